package observability

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// serviceName identifies this process in health reports.
const serviceName = "fightcast"

// HealthState is a per-check or aggregated health verdict.
type HealthState string

const (
	StateHealthy   HealthState = "healthy"
	StateDegraded  HealthState = "degraded"
	StateUnhealthy HealthState = "unhealthy"
)

// HealthCheck probes one dependency. A failing critical check takes
// the whole service to unhealthy; a failing non-critical one only
// degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker aggregates dependency checks into one service verdict.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []*HealthCheck
	version string
	started time.Time
}

// NewHealthChecker creates a checker reporting the given build version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, started: time.Now()}
}

// RegisterCheck adds a dependency check. A zero timeout defaults to 5s.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// HealthReport is the JSON body served on /health.
type HealthReport struct {
	Service    string                 `json:"service"`
	Version    string                 `json:"version"`
	Status     HealthState            `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     string                 `json:"uptime"`
	Goroutines int                    `json:"num_goroutines"`
	Checks     map[string]CheckResult `json:"checks"`
}

// CheckResult is one dependency's verdict inside a HealthReport.
type CheckResult struct {
	Status   HealthState `json:"status"`
	Message  string      `json:"message,omitempty"`
	Duration string      `json:"duration"`
}

// Evaluate runs every registered check and aggregates the worst verdict.
func (hc *HealthChecker) Evaluate(ctx context.Context) HealthReport {
	hc.mu.RLock()
	checks := make([]*HealthCheck, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	report := HealthReport{
		Service:    serviceName,
		Version:    hc.version,
		Status:     StateHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hc.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Checks:     make(map[string]CheckResult, len(checks)),
	}
	for _, check := range checks {
		res := runCheck(ctx, check)
		report.Checks[check.Name] = res
		switch {
		case res.Status == StateUnhealthy:
			report.Status = StateUnhealthy
		case res.Status == StateDegraded && report.Status == StateHealthy:
			report.Status = StateDegraded
		}
	}
	return report
}

// runCheck executes one check under its timeout. A check that exceeds
// its timeout fails with the context error rather than blocking the
// report.
func runCheck(ctx context.Context, check *HealthCheck) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- check.CheckFunc(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := CheckResult{
		Status:   StateHealthy,
		Message:  "OK",
		Duration: time.Since(start).String(),
	}
	if err != nil {
		res.Message = err.Error()
		res.Status = StateDegraded
		if check.Critical {
			res.Status = StateUnhealthy
		}
	}
	return res
}

// StoreCheck creates the document-store health check. The store is the
// one dependency the server cannot run without.
func StoreCheck(pingFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "store",
		CheckFunc: pingFunc,
		Timeout:   5 * time.Second,
		Critical:  true,
	}
}

// ContentCheck creates the trial-content availability check. Sessions
// degrade to zero trials without content, but the server stays up.
func ContentCheck(probeFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "content",
		CheckFunc: probeFunc,
		Timeout:   2 * time.Second,
		Critical:  false,
	}
}
