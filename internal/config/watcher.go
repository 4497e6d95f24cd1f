package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 2 * time.Second

// Watcher polls a config file and reports every change to another valid
// config together with its [ConfigDiff]. Invalid edits are logged and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(diff ConfigDiff, cfg *Config)
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger used for reload messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path once and returns a watcher holding the result.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(diff ConfigDiff, cfg *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check looks at the file once. A changed and valid config replaces the
// current one and is reported through the callback, outside the lock so the
// callback may call Current.
func (w *Watcher) Check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.read()
	if err != nil {
		w.logger.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.sum {
		// Touched, same content.
		w.mtime = snap.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	w.mu.Unlock()

	diff := Diff(old, snap.cfg)
	w.logger.Info("config watcher: configuration reloaded",
		"path", w.path,
		"persona_changed", diff.PersonaChanged,
		"models_changed", diff.ModelsChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(diff, snap.cfg)
	}
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// read parses and validates the file and fingerprints its content.
func (w *Watcher) read() (snapshot, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	ApplyEnv(cfg)
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
