package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionUnknown is returned by hub lookups for session ids without a
// running orchestrator.
var ErrSessionUnknown = errors.New("no orchestrator for session")

// Factory builds a session's orchestrator from its settings. The hub calls it
// under its lock, so factories must not call back into the hub.
type Factory func(cfg Config) *Orchestrator

// Hub tracks one running [Orchestrator] per live session. It is safe for
// concurrent use.
type Hub struct {
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	orch   *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates an empty hub over the given factory.
func NewHub(factory Factory, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		factory: factory,
		log:     log.With("component", "hub"),
		entries: make(map[string]*hubEntry),
	}
}

// Start creates and runs an orchestrator for the session. Starting an already
// running session returns the existing orchestrator.
func (h *Hub) Start(ctx context.Context, cfg Config) *Orchestrator {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, running := h.entries[cfg.SessionID]; running {
		return e.orch
	}

	orch := h.factory(cfg)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.entries[cfg.SessionID] = &hubEntry{orch: orch, cancel: cancel, done: done}

	go func() {
		defer close(done)
		_ = orch.Run(runCtx)
	}()

	h.log.Info("orchestrator started", "session_id", cfg.SessionID)
	return orch
}

// Get returns the running orchestrator for a session.
func (h *Hub) Get(sessionID string) (*Orchestrator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, running := h.entries[sessionID]
	if !running {
		return nil, ErrSessionUnknown
	}
	return e.orch, nil
}

// Release stops the session's decision loop and drops all its state. It waits
// for the loop goroutine to exit, so callers can rely on no further speak
// callbacks after Release returns. Releasing an unknown session is a no-op:
// the session manager's cleanup path calls Release for every removed session,
// including ones already released on End.
func (h *Hub) Release(sessionID string) {
	h.mu.Lock()
	e, running := h.entries[sessionID]
	if running {
		delete(h.entries, sessionID)
	}
	h.mu.Unlock()

	if !running {
		return
	}
	e.cancel()
	<-e.done
	h.log.Info("orchestrator released", "session_id", sessionID)
}

// Len reports the number of live orchestrators.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Shutdown releases every session. Used on process shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Release(id)
	}
}
