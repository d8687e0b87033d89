// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Redi core server.
package config

import "github.com/getredi/redicore/pkg/types"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CostTier selects the per-session spend plan.
type CostTier string

const (
	CostTierFree CostTier = "free"
	CostTierPaid CostTier = "paid"
)

// IsValid reports whether c is a recognised cost tier.
func (c CostTier) IsValid() bool {
	return c == CostTierFree || c == CostTierPaid
}

// Config is the root configuration structure for the Redi core server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// external collaborator. Each field selects a named provider registered in
// the [Registry].
//
// FastLLM and DeepLLM are required; the decision chain cannot run without
// both tiers. Transcribe, TTS, and Vision are optional; without them the
// device handles the corresponding concern on its own.
type ProvidersConfig struct {
	FastLLM    ProviderEntry `yaml:"fast_llm"`
	DeepLLM    ProviderEntry `yaml:"deep_llm"`
	Transcribe ProviderEntry `yaml:"transcribe"`
	TTS        ProviderEntry `yaml:"tts"`
	Vision     ProviderEntry `yaml:"vision"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "anthropic",
	// "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g.,
	// "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the defaults applied to newly created sessions.
type SessionConfig struct {
	// CostTier selects the spend plan for new sessions. Defaults to free.
	CostTier CostTier `yaml:"cost_tier"`

	// DefaultMode is the activity mode for sessions that do not request one.
	// Defaults to general.
	DefaultMode types.Mode `yaml:"default_mode"`

	// DurationMinutes is the default session length. Zero means the session
	// manager's built-in default.
	DurationMinutes int `yaml:"duration_minutes"`

	// AudioOutputMode is "host" (host device speaks) or "all". Defaults to host.
	AudioOutputMode string `yaml:"audio_output_mode"`
}
