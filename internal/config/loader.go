package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"transcribe": {"deepgram"},
	"tts":        {"elevenlabs"},
	"vision":     {"googlevision"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is configured"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is configured"))
		}
	}

	// Both text tiers are required: rules alone cannot answer questions and
	// triage cannot escalate without a deep model to escalate to.
	if cfg.Providers.FastLLM.Name == "" {
		errs = append(errs, errors.New("providers.fast_llm.name is required"))
	}
	if cfg.Providers.DeepLLM.Name == "" {
		errs = append(errs, errors.New("providers.deep_llm.name is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.FastLLM.Name)
	validateProviderName("llm", cfg.Providers.DeepLLM.Name)
	validateProviderName("transcribe", cfg.Providers.Transcribe.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)

	// Provider availability warnings
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; devices must synthesize speech locally")
	}
	if cfg.Providers.Transcribe.Name == "" {
		slog.Warn("providers.transcribe is not configured; devices must transcribe speech locally")
	}

	// Session defaults
	if cfg.Session.CostTier != "" && !cfg.Session.CostTier.IsValid() {
		errs = append(errs, fmt.Errorf("session.cost_tier %q is invalid; valid values: free, paid", cfg.Session.CostTier))
	}
	if cfg.Session.DefaultMode != "" && !cfg.Session.DefaultMode.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_mode %q is invalid", cfg.Session.DefaultMode))
	}
	if cfg.Session.DurationMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.duration_minutes %d must not be negative", cfg.Session.DurationMinutes))
	}
	if m := cfg.Session.AudioOutputMode; m != "" && m != "host" && m != "all" {
		errs = append(errs, fmt.Errorf("session.audio_output_mode %q is invalid; valid values: host, all", m))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
