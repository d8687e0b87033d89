package observe

import (
	"sync"
	"testing"
	"time"
)

// statsSource is a swappable snapshot feed for the alert manager.
type statsSource struct {
	mu    sync.Mutex
	snaps []StatsSnapshot
}

func (s *statsSource) set(snaps ...StatsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = snaps
}

func (s *statsSource) get() []StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps
}

func visionSnap(successRate float64, p95 time.Duration) StatsSnapshot {
	return StatsSnapshot{
		Component:   "vision",
		Attempts:    100,
		Successes:   int64(successRate * 100),
		SuccessRate: successRate,
		P50:         p95 / 2,
		P95:         p95,
		P95Ms:       p95.Milliseconds(),
	}
}

func TestAlertTriggersOnLowSuccessRate(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	src.set(visionSnap(0.85, 500*time.Millisecond))
	m.Check()

	active := m.Active()
	if len(active) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(active))
	}
	a := active[0]
	if a.Component != "vision" || a.Severity != SeverityWarning {
		t.Errorf("alert = %s/%s, want vision/warning", a.Component, a.Severity)
	}
	if a.ID == "" || a.TriggeredAt.IsZero() || a.Resolved() {
		t.Errorf("alert not fully populated: %+v", a)
	}
}

func TestAlertCriticalOnHighLatency(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	src.set(visionSnap(0.99, 6*time.Second))
	m.Check()

	bySeverity := map[Severity]bool{}
	for _, a := range m.Active() {
		bySeverity[a.Severity] = true
	}
	// 6s exceeds both the 3s warning and 5s critical bands.
	if !bySeverity[SeverityWarning] || !bySeverity[SeverityCritical] {
		t.Errorf("active severities = %v, want warning and critical", bySeverity)
	}
}

func TestAlertNoDuplicates(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	src.set(visionSnap(0.85, 500*time.Millisecond))
	m.Check()
	m.Check()
	m.Check()

	if got := len(m.Active()); got != 1 {
		t.Errorf("active alerts = %d after repeated checks, want 1", got)
	}
}

func TestAlertResolvesOnRecovery(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	src.set(visionSnap(0.85, 500*time.Millisecond))
	m.Check()
	if len(m.Active()) != 1 {
		t.Fatal("expected one active alert")
	}

	src.set(visionSnap(0.99, 500*time.Millisecond))
	m.Check()

	if got := len(m.Active()); got != 0 {
		t.Errorf("active alerts = %d after recovery, want 0", got)
	}
	hist := m.History()
	if len(hist) != 1 || !hist[0].Resolved() {
		t.Errorf("history = %+v, want one resolved alert", hist)
	}
}

func TestAlertIdleComponentNeverTrips(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	src.set(StatsSnapshot{Component: "tts"}) // zero attempts
	m.Check()

	if got := len(m.Active()); got != 0 {
		t.Errorf("active alerts = %d for idle component, want 0", got)
	}
}

func TestAlertTranscriptionSuccessRateOnly(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	// Slow but reliable transcription must not alert.
	src.set(StatsSnapshot{
		Component:   "transcription",
		Attempts:    100,
		Successes:   100,
		SuccessRate: 1.0,
		P95:         30 * time.Second,
		P95Ms:       30000,
	})
	m.Check()
	if got := len(m.Active()); got != 0 {
		t.Errorf("active alerts = %d, want 0 (latency must not trip transcription)", got)
	}

	src.set(StatsSnapshot{
		Component:   "transcription",
		Attempts:    100,
		Successes:   95,
		SuccessRate: 0.95,
	})
	m.Check()
	active := m.Active()
	if len(active) != 1 || active[0].Severity != SeverityWarning {
		t.Errorf("active = %+v, want one warning", active)
	}
}

func TestAlertObserverNotified(t *testing.T) {
	src := &statsSource{}
	m := NewAlertManager(src.get, nil)

	var events []Alert
	m.Subscribe(func(a Alert) { events = append(events, a) })

	src.set(visionSnap(0.85, 500*time.Millisecond))
	m.Check()
	src.set(visionSnap(0.99, 500*time.Millisecond))
	m.Check()

	if len(events) != 2 {
		t.Fatalf("observer events = %d, want trigger + resolve", len(events))
	}
	if events[0].Resolved() || !events[1].Resolved() {
		t.Errorf("event order wrong: %+v", events)
	}
}
