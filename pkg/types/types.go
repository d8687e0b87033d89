// Package types defines the shared types used across all Redi core packages.
//
// These types form the lingua franca between providers, the decision layers,
// and the session orchestrator. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Mode is the session activity mode. It selects the active rule set, the
// default sensitivity, and the tone of assembled prompts.
type Mode string

const (
	ModeGeneral    Mode = "general"
	ModeStudying   Mode = "studying"
	ModeMeeting    Mode = "meeting"
	ModeSports     Mode = "sports"
	ModeMusic      Mode = "music"
	ModeAssembly   Mode = "assembly"
	ModeMonitoring Mode = "monitoring"
	ModeCooking    Mode = "cooking"
)

// IsValid reports whether m is a known session mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGeneral, ModeStudying, ModeMeeting, ModeSports,
		ModeMusic, ModeAssembly, ModeMonitoring, ModeCooking:
		return true
	}
	return false
}

// DefaultSensitivity returns the proactivity default for a mode. Sensitivity
// ranges 0.0 (quiet) to 1.0 (chatty) and feeds the triage minimum-gap formula.
// Quiet-context modes (meeting, studying, monitoring) start low; coaching
// modes (sports, cooking) start high.
func (m Mode) DefaultSensitivity() float64 {
	switch m {
	case ModeMeeting:
		return 0.2
	case ModeStudying, ModeMonitoring:
		return 0.3
	case ModeAssembly:
		return 0.4
	case ModeCooking:
		return 0.6
	case ModeSports:
		return 0.7
	default:
		return 0.5
	}
}

// Transcript represents a speech-to-text result from a transcription provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram). May be nil.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from transcription providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile describes a TTS voice configuration for a session.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Gender is the requested voice gender ("female", "male", "neutral").
	// Providers that cannot honor it fall back to their default voice.
	Gender string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (age, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost represents a keyword to boost in transcription recognition.
// Used to improve recognition of mode-specific vocabulary (exercise names,
// ingredient names, product names).
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "deadlift").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// ModelTier selects which LLM tier handles a request.
type ModelTier int

const (
	// TierFast is the low-latency model used for triage and quick replies.
	TierFast ModelTier = iota

	// TierDeep is the stronger model used for complex reasoning.
	TierDeep
)

// String returns the human-readable name of the model tier.
func (t ModelTier) String() string {
	switch t {
	case TierFast:
		return "FAST"
	case TierDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the latency envelope expected of this tier. Calls that
// exceed it are not aborted, but the reasoning router arms a thinking
// acknowledgement once TierDeep's envelope has passed.
func (t ModelTier) MaxLatencyMs() int {
	switch t {
	case TierFast:
		return 1500
	case TierDeep:
		return 4000
	default:
		return 1500
	}
}
