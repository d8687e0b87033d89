package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// alertCheckInterval is how often the checker evaluates thresholds.
const alertCheckInterval = 10 * time.Second

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold violation. Resolved alerts stay in history; at most
// one unresolved alert exists per (component, severity) pair.
type Alert struct {
	ID          string     `json:"id"`
	Severity    Severity   `json:"severity"`
	Component   string     `json:"component"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Resolved reports whether the alert has been cleared.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// threshold is one severity band for a component: trip when the success rate
// drops below MinSuccessRate or (when MaxP95 > 0) the p95 latency exceeds it.
type threshold struct {
	minSuccessRate float64
	maxP95         time.Duration
}

// alertThresholds maps component → severity → band. Transcription alerts on
// success rate only; latency on a streaming transcript is not meaningful.
var alertThresholds = map[string]map[Severity]threshold{
	"vision": {
		SeverityWarning:  {minSuccessRate: 0.90, maxP95: 3000 * time.Millisecond},
		SeverityCritical: {minSuccessRate: 0.70, maxP95: 5000 * time.Millisecond},
	},
	"text": {
		SeverityWarning:  {minSuccessRate: 0.95, maxP95: 2000 * time.Millisecond},
		SeverityCritical: {minSuccessRate: 0.80, maxP95: 4000 * time.Millisecond},
	},
	"tts": {
		SeverityWarning:  {minSuccessRate: 0.95, maxP95: 1000 * time.Millisecond},
		SeverityCritical: {minSuccessRate: 0.80, maxP95: 2000 * time.Millisecond},
	},
	"transcription": {
		SeverityWarning:  {minSuccessRate: 0.98},
		SeverityCritical: {minSuccessRate: 0.90},
	},
}

// AlertObserver receives every newly triggered or resolved alert. Delivery is
// synchronous from the checker goroutine; observers must not block.
type AlertObserver func(Alert)

// AlertManager evaluates component statistics against the threshold table and
// maintains active and historical alerts. It is safe for concurrent use.
type AlertManager struct {
	source   func() []StatsSnapshot
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	active    map[string]*Alert // keyed by component|severity
	history   []Alert
	observers []AlertObserver
}

// AlertOption configures an [AlertManager].
type AlertOption func(*AlertManager)

// WithCheckInterval overrides the evaluation interval. Tests use a short one.
func WithCheckInterval(d time.Duration) AlertOption {
	return func(m *AlertManager) { m.interval = d }
}

// NewAlertManager creates a manager that reads statistics from source — in
// production the [Aggregator.Totals] of all live sessions.
func NewAlertManager(source func() []StatsSnapshot, log *slog.Logger, opts ...AlertOption) *AlertManager {
	if log == nil {
		log = slog.Default()
	}
	m := &AlertManager{
		source:   source,
		interval: alertCheckInterval,
		log:      log.With("component", "alerts"),
		active:   make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers an observer for triggered and resolved alerts.
func (m *AlertManager) Subscribe(obs AlertObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Run evaluates thresholds on every interval tick until ctx is cancelled.
func (m *AlertManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check evaluates every component snapshot once. Exported so tests and
// end-of-session handlers can force an evaluation.
func (m *AlertManager) Check() {
	snaps := m.source()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, snap := range snaps {
		bands, known := alertThresholds[snap.Component]
		if !known {
			continue
		}
		// Bands are independent: a state bad enough for critical also keeps
		// the warning alert active, and each (component, severity) pair has
		// at most one unresolved alert.
		for _, sev := range []Severity{SeverityWarning, SeverityCritical} {
			band := bands[sev]
			violated, msg := band.evaluate(snap)
			if !violated {
				continue
			}
			key := snap.Component + "|" + string(sev)
			seen[key] = true
			if _, already := m.active[key]; !already {
				m.trigger(snap.Component, sev, msg)
			}
		}
	}

	// Resolve actives whose condition no longer holds.
	for key, alert := range m.active {
		if !seen[key] {
			m.resolve(key, alert)
		}
	}
}

// evaluate reports whether snap violates the band, with a human message.
func (t threshold) evaluate(snap StatsSnapshot) (bool, string) {
	if snap.Attempts == 0 {
		return false, ""
	}
	if snap.SuccessRate < t.minSuccessRate {
		return true, fmt.Sprintf("%s success rate %.1f%% below %.0f%%",
			snap.Component, snap.SuccessRate*100, t.minSuccessRate*100)
	}
	if t.maxP95 > 0 && snap.P95 > t.maxP95 {
		return true, fmt.Sprintf("%s p95 latency %dms above %dms",
			snap.Component, snap.P95Ms, t.maxP95.Milliseconds())
	}
	return false, ""
}

// trigger creates and delivers a new alert. Must be called with m.mu held.
func (m *AlertManager) trigger(component string, sev Severity, msg string) {
	alert := Alert{
		ID:          uuid.NewString(),
		Severity:    sev,
		Component:   component,
		Message:     msg,
		TriggeredAt: time.Now(),
	}
	key := component + "|" + string(sev)
	m.active[key] = &alert
	m.log.Warn("alert triggered", "severity", sev, "probe", component, "message", msg)
	for _, obs := range m.observers {
		obs(alert)
	}
}

// resolve clears an active alert. Must be called with m.mu held.
func (m *AlertManager) resolve(key string, alert *Alert) {
	now := time.Now()
	alert.ResolvedAt = &now
	m.history = append(m.history, *alert)
	delete(m.active, key)
	m.log.Info("alert resolved", "severity", alert.Severity, "probe", alert.Component)
	for _, obs := range m.observers {
		obs(*alert)
	}
}

// Active returns a copy of every unresolved alert.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// History returns a copy of resolved alerts in resolution order.
func (m *AlertManager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}
