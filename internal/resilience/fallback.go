package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [Group] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all backends failed")

// BackendNone is the chain terminator: reaching it ends the chain gracefully
// with a zero result instead of [ErrAllFailed]. Components whose chains end in
// "none" simply have no output for that call (e.g. cloud grounding skipped).
const BackendNone = "none"

// StandardChains lists the backend order per perception component. The
// identifiers are wiring names resolved by the composition root; "none" marks
// components that may legitimately produce nothing.
var StandardChains = map[string][]string{
	"objectDetection":     {"on-device", "framework-vision", "cloud-lite", BackendNone},
	"audioClassification": {"system-analysis", "rule-based", BackendNone},
	"tts":                 {"primary", "secondary", "on-device"},
	"llm":                 {"deep", "fast", "rule-based"},
	"transcription":       {"primary", "alt-api", "on-device"},
}

// entry pairs a backend value with its dedicated circuit breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
	none    bool
}

// Group wraps an ordered chain of backends of the same provider type, each
// behind its own circuit breaker. Backends are tried in registration order;
// open breakers are skipped.
//
// Group is safe for concurrent use after registration is complete.
type Group[T any] struct {
	entries []entry[T]
}

// NewGroup creates an empty backend chain.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{}
}

// Add appends a backend with a breaker built from [Preset](name).
func (g *Group[T]) Add(name string, value T) *Group[T] {
	return g.AddWithConfig(name, value, Preset(name))
}

// AddWithConfig appends a backend with an explicit breaker configuration.
func (g *Group[T]) AddWithConfig(name string, value T, cfg CircuitBreakerConfig) *Group[T] {
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
	return g
}

// AddNone terminates the chain with the graceful-null sentinel.
func (g *Group[T]) AddNone() *Group[T] {
	g.entries = append(g.entries, entry[T]{name: BackendNone, none: true})
	return g
}

// Names returns the chain's backend names in order.
func (g *Group[T]) Names() []string {
	out := make([]string, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.name
	}
	return out
}

// Result carries the outcome of a chain execution.
type Result[R any] struct {
	// Value is the successful backend's result; the zero value when the chain
	// ended at the "none" sentinel.
	Value R

	// Backend names the entry that produced the result.
	Backend string

	// UsedFallback is true when the result did not come from the first backend.
	UsedFallback bool
}

// Execute tries fn against each backend in order until one succeeds. Open
// breakers are skipped; each attempt is recorded on its backend's breaker.
// Reaching the "none" sentinel returns a zero-value [Result] with no error.
// Returns [ErrAllFailed] wrapped with the last error if every backend fails.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func Execute[T any, R any](g *Group[T], fn func(T) (R, error)) (Result[R], error) {
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		if e.none {
			slog.Debug("fallback chain ended at none sentinel")
			return Result[R]{Backend: BackendNone, UsedFallback: i > 0}, nil
		}

		var value R
		err := e.breaker.Execute(func() error {
			var innerErr error
			value, innerErr = fn(e.value)
			return innerErr
		})
		if err == nil {
			return Result[R]{Value: value, Backend: e.name, UsedFallback: i > 0}, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend (circuit open)", "backend", e.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", e.name, "error", err)
		}
	}
	return Result[R]{}, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
