package resilience

import (
	"context"

	"github.com/getredi/redicore/pkg/provider/transcribe"
)

// TranscribeFallback implements [transcribe.Provider] with automatic failover
// across transcription backends. Failover covers session establishment only:
// a stream that dies mid-session is the gateway's problem (it reopens the
// stream, which goes through the chain again).
type TranscribeFallback struct {
	group *Group[transcribe.Provider]
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string) *TranscribeFallback {
	return &TranscribeFallback{group: NewGroup[transcribe.Provider]().Add(primaryName, primary)}
}

// AddFallback registers an additional transcription backend behind its preset
// breaker.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.Add(name, provider)
}

// StartStream opens a transcription session through the first healthy backend.
func (f *TranscribeFallback) StartStream(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.SessionHandle, error) {
	res, err := Execute(f.group, func(p transcribe.Provider) (transcribe.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
