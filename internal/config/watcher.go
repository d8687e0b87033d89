package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// watchInterval is the default poll spacing. Live sessions pick up log-level
// and session-default changes on the next tick; fsnotify is not worth a
// dependency for one small file.
const watchInterval = 5 * time.Second

// fileStamp identifies one observed state of the config file. The mtime
// short-circuits untouched files; the content hash catches touch-only writes.
type fileStamp struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher polls the config file and republishes it when the content changes.
// A reload that fails validation keeps the last good config: a half-edited
// file must never take down running sessions.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config once and starts polling in the background.
// onChange runs outside the watcher lock with the previous and new configs;
// callers diff the two to decide what to apply to running state.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: watchInterval,
		onChange: onChange,
		log:      slog.Default().With("component", "config", "path", path),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// pollOnce reloads the file when its mtime moved and its content actually
// differs, then hands the previous and new configs to the callback.
func (w *Watcher) pollOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config file unreadable, keeping last good config", "error", err)
		return
	}

	w.mu.Lock()
	seen := w.stamp.modTime
	w.mu.Unlock()
	if info.ModTime().Equal(seen) {
		return
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.log.Warn("config reload rejected, keeping last good config", "error", err)
		return
	}

	w.mu.Lock()
	if stamp.sum == w.stamp.sum {
		// Touched, not changed.
		w.stamp.modTime = stamp.modTime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.stamp = stamp
	w.mu.Unlock()

	w.log.Info("config reloaded",
		"log_level", cfg.Server.LogLevel,
		"cost_tier", cfg.Session.CostTier,
		"default_mode", cfg.Session.DefaultMode)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file, returning the parsed config alongside
// the stamp used for change detection.
func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
