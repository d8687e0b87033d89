// Package tts defines the Provider interface for text-to-speech backends.
//
// Sessions with server-side audio output synthesize approved utterances and
// thinking acknowledgements through this interface; sessions with on-device
// audio never touch it. Utterances are short (8–25 words), so both a buffered
// single-shot call and a streaming call are offered — the gateway uses the
// stream for utterances and the buffer for acks.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/getredi/redicore/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts one short text into a complete audio buffer in the
	// provider's configured output format. Returns an error if synthesis
	// fails or ctx is cancelled first.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
