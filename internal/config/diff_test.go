package config_test

import (
	"testing"

	"github.com/getredi/redicore/internal/config"
	"github.com/getredi/redicore/pkg/types"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{
			CostTier:    config.CostTierFree,
			DefaultMode: types.ModeGeneral,
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.SessionDefaultsChanged {
		t.Error("expected SessionDefaultsChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SessionDefaultsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Session: config.SessionConfig{CostTier: config.CostTierFree, DurationMinutes: 30},
	}
	new := &config.Config{
		Session: config.SessionConfig{CostTier: config.CostTierPaid, DurationMinutes: 30},
	}

	d := config.Diff(old, new)
	if !d.SessionDefaultsChanged {
		t.Error("expected SessionDefaultsChanged=true")
	}
	if d.NewSessionDefaults.CostTier != config.CostTierPaid {
		t.Errorf("expected new cost tier paid, got %q", d.NewSessionDefaults.CostTier)
	}
}

func TestDiff_DefaultModeChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Session: config.SessionConfig{DefaultMode: types.ModeGeneral}}
	new := &config.Config{Session: config.SessionConfig{DefaultMode: types.ModeSports}}

	d := config.Diff(old, new)
	if !d.SessionDefaultsChanged {
		t.Error("expected SessionDefaultsChanged=true")
	}
	if d.NewSessionDefaults.DefaultMode != types.ModeSports {
		t.Errorf("expected new default mode sports, got %q", d.NewSessionDefaults.DefaultMode)
	}
}

func TestDiff_ProviderChangeNotTracked(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: config.ProvidersConfig{FastLLM: config.ProviderEntry{Name: "openai"}},
	}
	new := &config.Config{
		Providers: config.ProvidersConfig{FastLLM: config.ProviderEntry{Name: "anthropic"}},
	}

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.SessionDefaultsChanged {
		t.Error("provider changes must not be reported as hot-reloadable")
	}
}
