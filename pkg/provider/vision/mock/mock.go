// Package mock provides a test double for the vision.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/getredi/redicore/pkg/provider/vision"
)

// AnnotateCall records a single invocation of Annotate.
type AnnotateCall struct {
	// Ctx is the context passed to Annotate.
	Ctx context.Context
	// Img is the image passed to Annotate.
	Img vision.Image
	// MaxLabels is the label cap passed to Annotate.
	MaxLabels int
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// AnnotateFunc, if set, handles Annotate calls after recording, allowing
	// scripted per-call behavior.
	AnnotateFunc func(ctx context.Context, img vision.Image, maxLabels int) ([]vision.Label, error)

	// AnnotateResult is returned by Annotate when AnnotateFunc is nil.
	AnnotateResult []vision.Label

	// AnnotateErr, if non-nil, is returned as the error from Annotate when
	// AnnotateFunc is nil.
	AnnotateErr error

	// AnnotateCalls records every call to Annotate in order.
	AnnotateCalls []AnnotateCall
}

// Annotate records the call, then dispatches to AnnotateFunc or the static
// result fields.
func (p *Provider) Annotate(ctx context.Context, img vision.Image, maxLabels int) ([]vision.Label, error) {
	p.mu.Lock()
	p.AnnotateCalls = append(p.AnnotateCalls, AnnotateCall{Ctx: ctx, Img: img, MaxLabels: maxLabels})
	fn := p.AnnotateFunc
	result := p.AnnotateResult
	err := p.AnnotateErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, img, maxLabels)
	}
	return result, err
}

// Calls returns a copy of the recorded Annotate calls. Thread-safe.
func (p *Provider) Calls() []AnnotateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AnnotateCall, len(p.AnnotateCalls))
	copy(out, p.AnnotateCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AnnotateCalls = nil
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
