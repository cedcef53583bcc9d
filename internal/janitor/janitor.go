// Package janitor periodically repairs state the in-process timers
// cannot: waiting cohorts whose deadline passed while no timer was
// armed (typically after a restart), and drifted liveness gauges.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/pkg/observability"
)

// Expirer is the matchmaker surface the janitor drives.
type Expirer interface {
	ExpireStale(ctx context.Context) error
}

// LiveCounter reports how many sessions are in their trial flow.
type LiveCounter interface {
	LiveCount() int
}

// Janitor runs the sweep on a cron schedule.
type Janitor struct {
	cron *cron.Cron
	exp  Expirer
	live LiveCounter
	log  *zap.Logger
}

// New creates a Janitor sweeping on the given cron spec
// (e.g. "@every 15s").
func New(spec string, exp Expirer, live LiveCounter, log *zap.Logger) (*Janitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	j := &Janitor{
		cron: cron.New(),
		exp:  exp,
		live: live,
		log:  log,
	}
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return nil, fmt.Errorf("janitor: bad schedule %q: %w", spec, err)
	}
	return j, nil
}

// Start begins sweeping in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		j.log.Warn("janitor sweep did not finish before shutdown deadline")
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.exp.ExpireStale(ctx); err != nil {
		j.log.Error("stale cohort sweep failed", zap.Error(err))
	}
	if j.live != nil {
		observability.SetLiveSessions(j.live.LiveCount())
	}
}
