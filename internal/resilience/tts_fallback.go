package resilience

import (
	"context"

	"github.com/getredi/redicore/pkg/provider/tts"
	"github.com/getredi/redicore/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends.
type TTSFallback struct {
	group *Group[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string) *TTSFallback {
	return &TTSFallback{group: NewGroup[tts.Provider]().Add(primaryName, primary)}
}

// AddFallback registers an additional TTS backend behind its preset breaker.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.Add(name, provider)
}

// Synthesize converts text through the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	res, err := Execute(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// SynthesizeStream opens a streaming synthesis through the first healthy
// backend. Only stream establishment is covered by failover; once a stream is
// running, mid-stream errors are the caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	res, err := Execute(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// ListVoices delegates to the first healthy backend's voice catalogue.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	res, err := Execute(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
