package resilience

import (
	"context"

	"github.com/getredi/redicore/pkg/provider/llm"
	"github.com/getredi/redicore/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy backend is tried.
type LLMFallback struct {
	group *Group[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string) *LLMFallback {
	return &LLMFallback{group: NewGroup[llm.Provider]().Add(primaryName, primary)}
}

// AddFallback registers an additional LLM backend behind its preset breaker.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// Complete sends the request to the first healthy backend and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	res, err := Execute(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// CountTokens delegates to the first healthy backend's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	res, err := Execute(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// Capabilities returns the capabilities of the first entry (the primary).
// This does not participate in failover because capabilities are static
// metadata.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
