// Package event decouples the matchmaker and result aggregator from the
// phase coordinator and transport: lifecycle changes are published to an
// observer list instead of being pushed through ad-hoc callbacks.
package event

import (
	"sync"
	"time"

	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/store"
)

// SessionUpdate describes a session lifecycle change. For promotions to
// running it carries everything the phase coordinator needs to start
// driving the session without another store round-trip.
type SessionUpdate struct {
	SessionID      string
	Status         store.Status
	Mode           store.Mode
	Participants   []string
	WaitingEndTime time.Time
	AIMode         string
	TrialCount     int
	// Trials is the session's trial content in presentation (shuffled)
	// order. Only set on promotion to running.
	Trials []content.Row
}

// Notifier receives session lifecycle updates.
type Notifier interface {
	SessionUpdated(u SessionUpdate)
}

// Fanout relays each update to every subscriber in subscription order.
type Fanout struct {
	mu   sync.RWMutex
	subs []Notifier
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Subscribe registers a notifier. Not safe to call concurrently with
// delivery ordering expectations; subscribe during wiring, before serving.
func (f *Fanout) Subscribe(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, n)
}

// SessionUpdated implements Notifier.
func (f *Fanout) SessionUpdated(u SessionUpdate) {
	f.mu.RLock()
	subs := make([]Notifier, len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()
	for _, s := range subs {
		s.SessionUpdated(u)
	}
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(u SessionUpdate)

// SessionUpdated implements Notifier.
func (fn NotifierFunc) SessionUpdated(u SessionUpdate) { fn(u) }
