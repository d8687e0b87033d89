package observe

import (
	"sort"
	"sync"
	"time"
)

// latencyWindow is the number of samples kept per component for percentile
// calculation.
const latencyWindow = 100

// emaAlpha is the smoothing factor for the exponential moving average of
// latencies.
const emaAlpha = 0.2

// ComponentStats accumulates call outcomes and latencies for one perception
// component within a session. The zero value is ready to use; it is not safe
// for concurrent use on its own — [SessionTracker] provides the locking.
type ComponentStats struct {
	Attempts  int64
	Successes int64
	Failures  int64

	// ring holds the most recent latency samples, capped at latencyWindow.
	ring []time.Duration
	next int

	// Aggregates over every sample ever recorded, not just the ring.
	Count int64
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
	EMA   time.Duration
}

// record adds one outcome with its latency.
func (s *ComponentStats) record(ok bool, latency time.Duration) {
	s.Attempts++
	if ok {
		s.Successes++
	} else {
		s.Failures++
	}

	if len(s.ring) < latencyWindow {
		s.ring = append(s.ring, latency)
	} else {
		s.ring[s.next] = latency
		s.next = (s.next + 1) % latencyWindow
	}

	s.Count++
	s.Sum += latency
	if s.Count == 1 {
		s.Min, s.Max, s.EMA = latency, latency, latency
		return
	}
	if latency < s.Min {
		s.Min = latency
	}
	if latency > s.Max {
		s.Max = latency
	}
	s.EMA = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(s.EMA))
}

// SuccessRate returns successes/attempts in [0,1]. A component with no
// attempts reports 1.0 so that idle components never trip alerts.
func (s *ComponentStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 1.0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Percentile returns the p-th percentile (0 < p <= 100) over the latency
// window, or zero with no samples.
func (s *ComponentStats) Percentile(p float64) time.Duration {
	if len(s.ring) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(s.ring))
	copy(sorted, s.ring)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p/100*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// StatsSnapshot is the read-only view of one component's statistics.
type StatsSnapshot struct {
	Component   string        `json:"component"`
	Attempts    int64         `json:"attempts"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	SuccessRate float64       `json:"successRate"`
	P50         time.Duration `json:"-"`
	P95         time.Duration `json:"-"`
	P50Ms       int64         `json:"p50Ms"`
	P95Ms       int64         `json:"p95Ms"`
	MinMs       int64         `json:"minMs"`
	MaxMs       int64         `json:"maxMs"`
	MeanMs      int64         `json:"meanMs"`
	EMAMs       int64         `json:"emaMs"`
}

// SessionTracker collects per-component statistics for one session. It is safe
// for concurrent use.
type SessionTracker struct {
	mu    sync.Mutex
	stats map[string]*ComponentStats
}

// NewSessionTracker returns an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{stats: make(map[string]*ComponentStats)}
}

// Record adds one call outcome for a component.
func (t *SessionTracker) Record(component string, ok bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, found := t.stats[component]
	if !found {
		s = &ComponentStats{}
		t.stats[component] = s
	}
	s.record(ok, latency)
}

// Snapshot returns the current view of one component. The second return is
// false when the component has never been recorded.
func (t *SessionTracker) Snapshot(component string) (StatsSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, found := t.stats[component]
	if !found {
		return StatsSnapshot{}, false
	}
	return snapshotOf(component, s), true
}

// Snapshots returns the current view of every recorded component.
func (t *SessionTracker) Snapshots() []StatsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StatsSnapshot, 0, len(t.stats))
	for name, s := range t.stats {
		out = append(out, snapshotOf(name, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

func snapshotOf(name string, s *ComponentStats) StatsSnapshot {
	snap := StatsSnapshot{
		Component:   name,
		Attempts:    s.Attempts,
		Successes:   s.Successes,
		Failures:    s.Failures,
		SuccessRate: s.SuccessRate(),
		P50:         s.Percentile(50),
		P95:         s.Percentile(95),
		MinMs:       s.Min.Milliseconds(),
		MaxMs:       s.Max.Milliseconds(),
		EMAMs:       s.EMA.Milliseconds(),
	}
	snap.P50Ms = snap.P50.Milliseconds()
	snap.P95Ms = snap.P95.Milliseconds()
	if s.Count > 0 {
		snap.MeanMs = (s.Sum / time.Duration(s.Count)).Milliseconds()
	}
	return snap
}

// Aggregator folds every live session's statistics into process-wide totals.
// Sessions register their tracker on start and deregister on release. It is
// safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	trackers map[string]*SessionTracker
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{trackers: make(map[string]*SessionTracker)}
}

// Register adds a session's tracker under its session id.
func (a *Aggregator) Register(sessionID string, t *SessionTracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trackers[sessionID] = t
}

// Deregister removes a session's tracker, releasing its state.
func (a *Aggregator) Deregister(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.trackers, sessionID)
}

// Totals merges all live sessions' snapshots per component. Percentiles are
// not mergeable across rings, so the merged view carries counts, success
// rates, and the worst (max) p95 observed in any session.
func (a *Aggregator) Totals() []StatsSnapshot {
	a.mu.Lock()
	trackers := make([]*SessionTracker, 0, len(a.trackers))
	for _, t := range a.trackers {
		trackers = append(trackers, t)
	}
	a.mu.Unlock()

	merged := make(map[string]*StatsSnapshot)
	for _, t := range trackers {
		for _, snap := range t.Snapshots() {
			m, found := merged[snap.Component]
			if !found {
				cp := snap
				merged[snap.Component] = &cp
				continue
			}
			m.Attempts += snap.Attempts
			m.Successes += snap.Successes
			m.Failures += snap.Failures
			if snap.P95 > m.P95 {
				m.P95 = snap.P95
				m.P95Ms = snap.P95Ms
			}
			if snap.MaxMs > m.MaxMs {
				m.MaxMs = snap.MaxMs
			}
		}
	}

	out := make([]StatsSnapshot, 0, len(merged))
	for _, m := range merged {
		if m.Attempts > 0 {
			m.SuccessRate = float64(m.Successes) / float64(m.Attempts)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
