// Package app wires all Redi subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects providers, observers,
// the session manager, the orchestrator hub, and the device gateway; Run
// serves HTTP and the background loops until the context is cancelled; and
// Shutdown tears everything down in order.
//
// Telemetry provider setup (OTel SDK, Prometheus exporter) stays in main;
// the app only consumes an [observe.Metrics] instance.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/getredi/redicore/internal/config"
	"github.com/getredi/redicore/internal/costguard"
	"github.com/getredi/redicore/internal/gateway"
	"github.com/getredi/redicore/internal/health"
	"github.com/getredi/redicore/internal/observe"
	"github.com/getredi/redicore/internal/orchestrator"
	"github.com/getredi/redicore/internal/resilience"
	"github.com/getredi/redicore/internal/session"
	"github.com/getredi/redicore/pkg/provider/llm"
	"github.com/getredi/redicore/pkg/provider/transcribe"
	"github.com/getredi/redicore/pkg/provider/tts"
	"github.com/getredi/redicore/pkg/provider/vision"
)

// httpShutdownGrace bounds the HTTP server drain once the run context ends.
const httpShutdownGrace = 5 * time.Second

// Providers holds one interface value per provider slot. FastLLM and DeepLLM
// are required; the rest are optional and nil means not configured.
// Populated by main.go via the config registry.
type Providers struct {
	FastLLM     llm.Provider
	DeepLLM     llm.Provider
	TTS         tts.Provider
	Transcriber transcribe.Provider
	Vision      vision.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics    *observe.Metrics
	aggregator *observe.Aggregator
	alerts     *observe.AlertManager
	monitor    *health.Monitor
	sessions   *session.Manager
	hub        *orchestrator.Hub
	gw         *gateway.Gateway
	handler    http.Handler

	fast llm.Provider
	deep llm.Provider

	mu       sync.Mutex
	addr     string
	defaults config.SessionConfig

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics injects a metrics instance bound to a private meter provider.
// Tests use this to avoid the shared default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, populated via the config registry.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.FastLLM == nil || providers.DeepLLM == nil {
		return nil, fmt.Errorf("app: fast and deep llm providers are required")
	}

	a := &App{cfg: cfg, defaults: cfg.Session}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.aggregator = observe.NewAggregator()

	// Provider resilience: each tier gets its own breaker, and the deep tier
	// fails over to the fast one so questions still get some answer when the
	// deep backend is down.
	fastName := providerName(cfg.Providers.FastLLM, "fast-llm")
	deepName := providerName(cfg.Providers.DeepLLM, "deep-llm")
	a.fast = resilience.NewLLMFallback(providers.FastLLM, fastName)
	deep := resilience.NewLLMFallback(providers.DeepLLM, deepName)
	deep.AddFallback(fastName, providers.FastLLM)
	a.deep = deep

	var ttsProvider tts.Provider
	if providers.TTS != nil {
		ttsProvider = resilience.NewTTSFallback(providers.TTS, providerName(cfg.Providers.TTS, "tts"))
	}
	var transcriber transcribe.Provider
	if providers.Transcriber != nil {
		transcriber = resilience.NewTranscribeFallback(providers.Transcriber, providerName(cfg.Providers.Transcribe, "transcribe"))
	}

	a.hub = orchestrator.NewHub(func(cfg orchestrator.Config) *orchestrator.Orchestrator {
		return orchestrator.New(cfg)
	}, a.log)
	a.sessions = session.NewManager(a.log, session.WithRelease(a.releaseSession))

	a.gw = gateway.New(gateway.Config{
		Sessions:    a.sessions,
		Hub:         a.hub,
		BuildConfig: a.orchestratorConfig,
		TTS:         ttsProvider,
		Transcriber: transcriber,
		Vision:      providers.Vision,
		Defaults:    func() session.Config { return a.SessionDefaults("") },
		Log:         a.log,
		Metrics:     a.metrics,
	})

	a.alerts = observe.NewAlertManager(a.aggregator.Totals, a.log)
	a.monitor = health.NewMonitor(a.log, a.buildProbes(providers))

	mux := http.NewServeMux()
	health.NewWithMonitor(a.monitor).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", a.gw.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// orchestratorConfig builds the per-session orchestrator configuration the
// moment the session's first device attaches.
func (a *App) orchestratorConfig(d session.Descriptor) orchestrator.Config {
	tracker := observe.NewSessionTracker()
	a.aggregator.Register(d.ID, tracker)
	a.mu.Lock()
	tier := a.defaults.CostTier
	a.mu.Unlock()
	return orchestrator.Config{
		SessionID:   d.ID,
		Mode:        d.Mode,
		Sensitivity: d.Sensitivity,
		CostTier:    costTierOf(tier),
		Fast:        a.fast,
		Deep:        a.deep,
		Speak:       func(u orchestrator.Utterance) { a.gw.Deliver(d.ID, u) },
		Log:         a.log,
		Metrics:     a.metrics,
		Tracker:     tracker,
	}
}

// releaseSession is the session manager's release hook: it stops the decision
// loop, disconnects the session's devices, and drops its metric tracker.
func (a *App) releaseSession(sessionID string) {
	a.hub.Release(sessionID)
	a.gw.CloseSession(sessionID)
	a.aggregator.Deregister(sessionID)
}

// buildProbes derives health probes from recent per-component stats. A
// component with no traffic yet reports healthy.
func (a *App) buildProbes(providers *Providers) []health.Probe {
	probes := []health.Probe{a.statsProbe("text", true)}
	if providers.TTS != nil {
		probes = append(probes, a.statsProbe("tts", false))
	}
	if providers.Transcriber != nil {
		probes = append(probes, a.statsProbe("transcription", false))
	}
	if providers.Vision != nil {
		probes = append(probes, a.statsProbe("vision", false))
	}
	return probes
}

func (a *App) statsProbe(component string, critical bool) health.Probe {
	return health.Probe{
		Component: component,
		Critical:  critical,
		Check: func(context.Context) error {
			for _, snap := range a.aggregator.Totals() {
				if snap.Component != component {
					continue
				}
				if snap.Attempts >= 5 && snap.SuccessRate < 0.5 {
					return fmt.Errorf("%s success rate %.0f%%", component, snap.SuccessRate*100)
				}
			}
			return nil
		},
	}
}

// Run serves HTTP and the background loops until ctx is cancelled, then
// drains the HTTP server. It returns ctx.Err() on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	srv := &http.Server{Handler: a.handler}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessions.Run(runCtx) })
	g.Go(func() error { return a.monitor.Run(runCtx) })
	g.Go(func() error { return a.alerts.Run(runCtx) })
	g.Go(func() error { return a.gw.Run(runCtx) })
	g.Go(func() error {
		var serveErr error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			serveErr = srv.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	})
	g.Go(func() error {
		<-runCtx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
		return runCtx.Err()
	})

	a.log.Info("server listening", "addr", a.Addr(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// Addr reports the bound listen address once Run has started, or "".
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Sessions exposes the session manager, for admin tooling and tests.
func (a *App) Sessions() *session.Manager { return a.sessions }

// SessionDefaults builds a session config from the server's current defaults.
func (a *App) SessionDefaults(userID string) session.Config {
	a.mu.Lock()
	def := a.defaults
	a.mu.Unlock()
	return session.Config{
		UserID:          userID,
		Mode:            def.DefaultMode,
		DurationMinutes: def.DurationMinutes,
		AudioOutputMode: def.AudioOutputMode,
	}
}

// ApplySessionDefaults swaps the session defaults used for new sessions. The
// config watcher calls this on reload; live sessions keep their settings.
func (a *App) ApplySessionDefaults(def config.SessionConfig) {
	a.mu.Lock()
	a.defaults = def
	a.mu.Unlock()
}

// Shutdown releases every live session and decision loop. Call after Run
// returns. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.hub.Len())

		done := make(chan struct{})
		go func() {
			defer close(done)
			a.hub.Shutdown()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		a.log.Info("shutdown complete")
	})
	return err
}

// providerName picks the configured provider name with a wiring fallback for
// tests that skip config.
func providerName(entry config.ProviderEntry, def string) string {
	if entry.Name != "" {
		return entry.Name
	}
	return def
}

// costTierOf maps the config tier onto the cost guard's plans.
func costTierOf(t config.CostTier) costguard.Tier {
	if t == config.CostTierPaid {
		return costguard.TierPaid
	}
	return costguard.TierFree
}
