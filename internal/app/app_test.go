package app_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/getredi/redicore/internal/app"
	"github.com/getredi/redicore/internal/config"
	"github.com/getredi/redicore/internal/observe"
	"github.com/getredi/redicore/internal/session"
	"github.com/getredi/redicore/pkg/provider/llm"
	llmmock "github.com/getredi/redicore/pkg/provider/llm/mock"
	ttsmock "github.com/getredi/redicore/pkg/provider/tts/mock"
	"github.com/getredi/redicore/pkg/types"
)

// testConfig returns a minimal config bound to an ephemeral port.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			FastLLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			DeepLLM: config.ProviderEntry{Name: "anthropic", Model: "claude-sonnet"},
		},
		Session: config.SessionConfig{
			CostTier:        config.CostTierFree,
			DefaultMode:     types.ModeGeneral,
			DurationMinutes: 30,
			AudioOutputMode: "host",
		},
	}
}

// testProviders returns providers with scripted mock LLMs.
func testProviders() *app.Providers {
	return &app.Providers{
		FastLLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "SILENT"}},
		DeepLLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Answer."}},
		TTS:     &ttsmock.Provider{},
	}
}

// testMetrics builds metrics on a private meter provider so parallel tests do
// not share instruments.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers) *app.App {
	t.Helper()
	a, err := app.New(cfg, providers, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

// startApp runs the app in the background and waits for the listener to bind.
func startApp(t *testing.T, a *app.App) (addr string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for a.Addr() == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("listener did not bind within 5s")
		}
		select {
		case err := <-errCh:
			t.Fatalf("Run() returned early: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}

	return a.Addr(), func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				t.Errorf("Run() returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return within 5s after cancellation")
		}
	}
}

func TestNew_RequiresLLMTiers(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.DeepLLM = nil

	if _, err := app.New(testConfig(), providers); err == nil {
		t.Fatal("New() accepted a nil deep llm provider")
	}
	if _, err := app.New(testConfig(), nil); err == nil {
		t.Fatal("New() accepted nil providers")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), testProviders())
	if a == nil {
		t.Fatal("New() returned nil app")
	}
	if a.Sessions() == nil {
		t.Fatal("Sessions() returned nil manager")
	}
}

func TestApp_ServesHealthAndMetrics(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), testProviders())
	addr, stop := startApp(t, a)
	defer stop()

	client := &http.Client{Timeout: 2 * time.Second}
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := client.Get(fmt.Sprintf("http://%s%s", addr, path))
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestApp_SessionLifecycle(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), testProviders())
	_, stop := startApp(t, a)
	defer stop()

	desc, err := a.Sessions().Create(a.SessionDefaults("user-1"), "device-1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if desc.Mode != types.ModeGeneral {
		t.Errorf("Mode = %q, want %q", desc.Mode, types.ModeGeneral)
	}
	if desc.DurationMinutes != 30 {
		t.Errorf("DurationMinutes = %d, want 30", desc.DurationMinutes)
	}

	ended, err := a.Sessions().End(desc.ID, "device-1")
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if ended.Status != session.StatusEnded {
		t.Errorf("Status after End() = %q, want %q", ended.Status, session.StatusEnded)
	}
}

func TestApp_ReloadedDefaultsApplyToNewSessions(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), testProviders())

	a.ApplySessionDefaults(config.SessionConfig{
		CostTier:        config.CostTierPaid,
		DefaultMode:     types.ModeCooking,
		DurationMinutes: 10,
		AudioOutputMode: "all",
	})

	desc, err := a.Sessions().Create(a.SessionDefaults("user-2"), "device-2")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if desc.Mode != types.ModeCooking {
		t.Errorf("Mode = %q, want %q", desc.Mode, types.ModeCooking)
	}
	if desc.DurationMinutes != 10 {
		t.Errorf("DurationMinutes = %d, want 10", desc.DurationMinutes)
	}
	if desc.AudioOutputMode != "all" {
		t.Errorf("AudioOutputMode = %q, want %q", desc.AudioOutputMode, "all")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), testProviders())
	_, stop := startApp(t, a)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
