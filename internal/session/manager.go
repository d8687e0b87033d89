// Package session manages the lifecycle of perception sessions: creation with
// shareable join codes, participant membership, pause/resume, expiry, and the
// cleanup of long-expired state.
//
// Sessions are identified two ways: a UUID used internally and in APIs, and a
// short human-friendly join code handed to companion devices. The manager is
// the only owner of session records; callers get copies ([Descriptor]) and
// never hold references into manager state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getredi/redicore/pkg/types"
)

// cleanupInterval is how often the cleanup loop scans for stale sessions.
const cleanupInterval = 10 * time.Minute

// cleanupAfter is how long an expired or ended session lingers before its
// state is released.
const cleanupAfter = time.Hour

// defaultMaxParticipants caps session membership, host included.
const defaultMaxParticipants = 5

// defaultDurationMinutes is the session length when the caller does not pick
// one.
const defaultDurationMinutes = 60

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// Sentinel errors returned by manager operations.
var (
	ErrNotFound       = errors.New("session not found")
	ErrExpired        = errors.New("session expired")
	ErrEnded          = errors.New("session already ended")
	ErrFull           = errors.New("session is full")
	ErrHostLeave      = errors.New("host cannot leave, end the session instead")
	ErrNotHost        = errors.New("only the host may do that")
	ErrNotPaused      = errors.New("session is not paused")
	ErrNotActive      = errors.New("session is not active")
	ErrNotParticipant = errors.New("device is not a participant")
	ErrCodeExhausted  = errors.New("could not generate a unique join code")
)

// Config holds the caller-chosen settings for a new session.
type Config struct {
	// UserID optionally links the session to an account.
	UserID string

	// Mode selects the activity profile. Invalid modes fall back to general.
	Mode types.Mode

	// Sensitivity in (0,1]; zero means use the mode's default.
	Sensitivity float64

	// VoiceGender selects the synthesis voice ("female", "male", "neutral").
	VoiceGender string

	// DurationMinutes is the session length; zero means the default.
	DurationMinutes int

	// AudioOutputMode is "host" (host device speaks) or "all".
	AudioOutputMode string
}

// Descriptor is the external, copyable view of a session.
type Descriptor struct {
	ID              string     `json:"id"`
	JoinCode        string     `json:"joinCode"`
	HostDeviceID    string     `json:"hostDeviceId"`
	UserID          string     `json:"userId,omitempty"`
	Mode            types.Mode `json:"mode"`
	Sensitivity     float64    `json:"sensitivity"`
	VoiceGender     string     `json:"voiceGender"`
	DurationMinutes int        `json:"durationMinutes"`
	StartedAt       time.Time  `json:"startedAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	Status          Status     `json:"status"`
	AudioOutputMode string     `json:"audioOutputMode"`
	MaxParticipants int        `json:"maxParticipants"`
}

// record is the manager-internal session state.
type record struct {
	Descriptor
	participants map[string]time.Time // deviceID → lastActive
	endedAt      time.Time
}

// ReleaseFunc is called exactly once per session when its state is released
// (on End or by the cleanup loop), so owners of per-session resources —
// orchestrator task, metrics tracker, cost guard — can drop them.
type ReleaseFunc func(sessionID string)

// Manager owns all session records. Safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	now     func() time.Time
	rng     *rand.Rand
	release ReleaseFunc

	mu     sync.Mutex
	byID   map[string]*record
	byCode map[string]*record
}

// Option configures a [Manager].
type Option func(*Manager)

// WithNow replaces the clock, for expiry tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand replaces the join-code randomness source, for collision tests.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// WithRelease sets the hook invoked when a session's state is released.
func WithRelease(fn ReleaseFunc) Option {
	return func(m *Manager) { m.release = fn }
}

// NewManager creates an empty session manager.
func NewManager(log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:    log.With("component", "session"),
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		byID:   make(map[string]*record),
		byCode: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new session hosted by hostDeviceID and returns its
// descriptor. The join code is unique among live sessions; generation retries
// up to [maxCodeAttempts] times before failing with [ErrCodeExhausted].
func (m *Manager) Create(cfg Config, hostDeviceID string) (Descriptor, error) {
	mode := cfg.Mode
	if !mode.IsValid() {
		mode = types.ModeGeneral
	}
	sensitivity := cfg.Sensitivity
	if sensitivity <= 0 || sensitivity > 1 {
		sensitivity = mode.DefaultSensitivity()
	}
	duration := cfg.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	outputMode := cfg.AudioOutputMode
	if outputMode == "" {
		outputMode = "host"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.uniqueCode()
	if err != nil {
		return Descriptor{}, err
	}

	now := m.now()
	rec := &record{
		Descriptor: Descriptor{
			ID:              uuid.NewString(),
			JoinCode:        code,
			HostDeviceID:    hostDeviceID,
			UserID:          cfg.UserID,
			Mode:            mode,
			Sensitivity:     sensitivity,
			VoiceGender:     cfg.VoiceGender,
			DurationMinutes: duration,
			StartedAt:       now,
			ExpiresAt:       now.Add(time.Duration(duration) * time.Minute),
			Status:          StatusActive,
			AudioOutputMode: outputMode,
			MaxParticipants: defaultMaxParticipants,
		},
		participants: map[string]time.Time{hostDeviceID: now},
	}
	m.byID[rec.ID] = rec
	m.byCode[code] = rec

	m.log.Info("session created",
		"session_id", rec.ID,
		"mode", mode,
		"sensitivity", sensitivity,
		"duration_min", duration)
	return rec.Descriptor, nil
}

// uniqueCode generates a join code not used by any live session. Must be
// called with m.mu held.
func (m *Manager) uniqueCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := newJoinCode(m.rng)
		if _, taken := m.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

// Join adds deviceID to the session with the given code. The code is
// uppercase-normalized before lookup. Re-joining just refreshes the device's
// activity timestamp.
func (m *Manager) Join(code, deviceID string) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveByCode(code)
	if err != nil {
		return Descriptor{}, err
	}
	if _, already := rec.participants[deviceID]; !already && len(rec.participants) >= rec.MaxParticipants {
		return Descriptor{}, ErrFull
	}
	rec.participants[deviceID] = m.now()
	return rec.Descriptor, nil
}

// Leave removes deviceID from the session. The host may not leave; ending the
// session is the only way out for the host.
func (m *Manager) Leave(id, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.byID[id]
	if !found {
		return ErrNotFound
	}
	if deviceID == rec.HostDeviceID {
		return ErrHostLeave
	}
	if _, member := rec.participants[deviceID]; !member {
		return ErrNotParticipant
	}
	delete(rec.participants, deviceID)
	return nil
}

// Validate checks that a join code refers to a live session and returns its
// descriptor.
func (m *Manager) Validate(code string) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveByCode(code)
	if err != nil {
		return Descriptor{}, err
	}
	return rec.Descriptor, nil
}

// Pause suspends an active session. Only the host may pause.
func (m *Manager) Pause(id, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.hostOp(id, deviceID)
	if err != nil {
		return err
	}
	if rec.Status != StatusActive {
		return ErrNotActive
	}
	rec.Status = StatusPaused
	m.log.Info("session paused", "session_id", id)
	return nil
}

// Resume reactivates a paused session. Expiry is re-checked: a session that
// ran out while paused flips to expired instead.
func (m *Manager) Resume(id, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.hostOp(id, deviceID)
	if err != nil {
		return err
	}
	if rec.Status != StatusPaused {
		return ErrNotPaused
	}
	if m.now().After(rec.ExpiresAt) {
		rec.Status = StatusExpired
		return ErrExpired
	}
	rec.Status = StatusActive
	m.log.Info("session resumed", "session_id", id)
	return nil
}

// End terminates a session. Only the host may end it. The session stays
// visible as ended until the cleanup loop removes it; per-session state is
// released immediately via the release hook.
func (m *Manager) End(id, deviceID string) (Descriptor, error) {
	m.mu.Lock()
	rec, err := m.hostOp(id, deviceID)
	if err != nil {
		m.mu.Unlock()
		return Descriptor{}, err
	}
	if rec.Status == StatusEnded {
		m.mu.Unlock()
		return Descriptor{}, ErrEnded
	}
	rec.Status = StatusEnded
	rec.endedAt = m.now()
	desc := rec.Descriptor
	release := m.release
	m.mu.Unlock()

	if release != nil {
		release(id)
	}
	m.log.Info("session ended", "session_id", id)
	return desc, nil
}

// RemainingTime returns how long until the session expires. Ended and expired
// sessions report zero.
func (m *Manager) RemainingTime(id string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.byID[id]
	if !found {
		return 0, ErrNotFound
	}
	if rec.Status == StatusEnded || rec.Status == StatusExpired {
		return 0, nil
	}
	remaining := rec.ExpiresAt.Sub(m.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// SetAudioOutputMode switches audio routing ("host" or "all"). Host only.
func (m *Manager) SetAudioOutputMode(id, deviceID, mode string) error {
	if mode != "host" && mode != "all" {
		return fmt.Errorf("unknown audio output mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.hostOp(id, deviceID)
	if err != nil {
		return err
	}
	rec.AudioOutputMode = mode
	return nil
}

// Get returns the descriptor for a session id.
func (m *Manager) Get(id string) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.byID[id]
	if !found {
		return Descriptor{}, ErrNotFound
	}
	return rec.Descriptor, nil
}

// Participants returns the device ids currently in the session.
func (m *Manager) Participants(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.byID[id]
	if !found {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(rec.participants))
	for dev := range rec.participants {
		out = append(out, dev)
	}
	return out, nil
}

// Run executes the cleanup loop until ctx is cancelled, removing sessions
// that have been expired or ended for more than an hour.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Cleanup removes long-dead sessions and releases their state. Exported so
// tests and shutdown paths can force a pass.
func (m *Manager) Cleanup() {
	now := m.now()

	m.mu.Lock()
	var removed []string
	for id, rec := range m.byID {
		var deadline time.Time
		switch {
		case rec.Status == StatusEnded:
			deadline = rec.endedAt.Add(cleanupAfter)
		case now.After(rec.ExpiresAt):
			// Covers both marked-expired and silently lapsed sessions.
			deadline = rec.ExpiresAt.Add(cleanupAfter)
		default:
			continue
		}
		if now.After(deadline) {
			delete(m.byID, id)
			delete(m.byCode, rec.JoinCode)
			removed = append(removed, id)
		}
	}
	release := m.release
	m.mu.Unlock()

	for _, id := range removed {
		// Ended sessions were already released in End; releasing again is the
		// hook implementor's contract to tolerate. Expired ones are released
		// here for the first time.
		if release != nil {
			release(id)
		}
		m.log.Info("session cleaned up", "session_id", id)
	}
}

// liveByCode resolves a normalized join code to a session that is neither
// expired nor ended. Must be called with m.mu held.
func (m *Manager) liveByCode(code string) (*record, error) {
	rec, found := m.byCode[normalizeJoinCode(code)]
	if !found {
		return nil, ErrNotFound
	}
	if rec.Status == StatusEnded {
		return nil, ErrEnded
	}
	if m.now().After(rec.ExpiresAt) {
		rec.Status = StatusExpired
		return nil, ErrExpired
	}
	return rec, nil
}

// hostOp resolves a session and checks that deviceID is its host. Must be
// called with m.mu held.
func (m *Manager) hostOp(id, deviceID string) (*record, error) {
	rec, found := m.byID[id]
	if !found {
		return nil, ErrNotFound
	}
	if deviceID != rec.HostDeviceID {
		return nil, ErrNotHost
	}
	return rec, nil
}
