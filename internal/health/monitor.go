package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeInterval is how often the monitor samples every registered probe.
const probeInterval = 5 * time.Second

// failedAfter is the number of consecutive probe failures before a component
// is reported as failed rather than degraded.
const failedAfter = 3

// Status is the health classification of a single component.
type Status int

const (
	// StatusHealthy means the last probe succeeded.
	StatusHealthy Status = iota

	// StatusDegraded means recent probes failed but not enough in a row to
	// consider the component down.
	StatusDegraded

	// StatusFailed means the component has failed [failedAfter] or more
	// consecutive probes.
	StatusFailed
)

// String returns the lowercase name used in reports and logs.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Probe is a named component check sampled by the [Monitor].
type Probe struct {
	// Component identifies the probed dependency, e.g. "objectDetection",
	// "transcription", "llm".
	Component string

	// Check probes the component. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Critical marks components whose failure makes the whole process
	// not-ready. Non-critical components degrade the overall status without
	// failing readiness.
	Critical bool
}

// ComponentHealth is the last observed state of one component.
type ComponentHealth struct {
	Component string        `json:"component"`
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latencyMs"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Monitor samples component probes on a fixed interval and keeps the latest
// per-component health report. It is safe for concurrent use.
type Monitor struct {
	probes   []Probe
	interval time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	reports map[string]ComponentHealth
	fails   map[string]int
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithProbeInterval overrides the sampling interval. Tests use a short one.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// NewMonitor creates a [Monitor] over the given probes. Call [Monitor.Run] to
// start sampling.
func NewMonitor(log *slog.Logger, probes []Probe, opts ...MonitorOption) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		probes:   probes,
		interval: probeInterval,
		log:      log.With("component", "health"),
		reports:  make(map[string]ComponentHealth, len(probes)),
		fails:    make(map[string]int, len(probes)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples all probes immediately and then on every interval tick until ctx
// is cancelled. It always returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample probes every component concurrently and stores the results.
func (m *Monitor) sample(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]ComponentHealth, len(m.probes))

	for i, p := range m.probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, m.interval)
			defer cancel()

			start := time.Now()
			err := p.Check(probeCtx)
			elapsed := time.Since(start)

			ch := ComponentHealth{
				Component: p.Component,
				Latency:   elapsed,
				LatencyMs: elapsed.Milliseconds(),
				CheckedAt: time.Now(),
			}
			if err != nil {
				ch.Error = err.Error()
			}
			results[i] = ch
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range results {
		if ch.Component == "" {
			continue // probe did not run (context already cancelled)
		}
		if ch.Error != "" {
			m.fails[ch.Component]++
		} else {
			m.fails[ch.Component] = 0
		}
		switch n := m.fails[ch.Component]; {
		case n == 0:
			ch.Status = StatusHealthy
		case n < failedAfter:
			ch.Status = StatusDegraded
		default:
			ch.Status = StatusFailed
		}
		ch.StatusStr = ch.Status.String()

		prev, seen := m.reports[ch.Component]
		if seen && prev.Status != ch.Status {
			m.log.Warn("component health changed",
				"probe", ch.Component,
				"from", prev.Status.String(),
				"to", ch.Status.String(),
				"error", ch.Error)
		}
		m.reports[ch.Component] = ch
	}
}

// Report returns a snapshot of every component's last observed health.
func (m *Monitor) Report() map[string]ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(m.reports))
	for k, v := range m.reports {
		out[k] = v
	}
	return out
}

// Overall returns the worst status across all components. A monitor that has
// not sampled yet reports healthy.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worst := StatusHealthy
	for _, ch := range m.reports {
		if ch.Status > worst {
			worst = ch.Status
		}
	}
	return worst
}

// ReadyChecker adapts the monitor to a readiness [Checker]: it fails when any
// critical component is in the failed state.
func (m *Monitor) ReadyChecker() Checker {
	critical := make(map[string]bool, len(m.probes))
	for _, p := range m.probes {
		if p.Critical {
			critical[p.Component] = true
		}
	}
	return Checker{
		Name: "components",
		Check: func(_ context.Context) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, ch := range m.reports {
				if critical[name] && ch.Status == StatusFailed {
					return &componentDownError{component: name, detail: ch.Error}
				}
			}
			return nil
		},
	}
}

// componentDownError names the failed critical component in readiness output.
type componentDownError struct {
	component string
	detail    string
}

func (e *componentDownError) Error() string {
	if e.detail == "" {
		return e.component + " is down"
	}
	return e.component + " is down: " + e.detail
}
