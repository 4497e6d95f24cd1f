// Package app wires the HyperMind subsystems into a running process.
//
// The App struct owns the full lifecycle: New creates the assistant service
// and the status endpoints, Run serves them and watches the config file, and
// Shutdown tears everything down in order.
//
// For testing, inject a service built on mocks via [WithService]. When an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hypermanager/hypermind/internal/assistant"
	"github.com/hypermanager/hypermind/internal/config"
	"github.com/hypermanager/hypermind/internal/health"
	"github.com/hypermanager/hypermind/internal/observe"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	svc      *assistant.Service
	sessions *SessionManager
	tracker  *health.Tracker
	handler  http.Handler
	server   *http.Server
	watcher  *config.Watcher

	registry   *prometheus.Registry
	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	watchOpts  []config.WatcherOption
	svcOpts    []assistant.Option

	// listening is closed once the status listener is bound.
	listening chan struct{}
	addr      net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithService injects an assistant service instead of creating one from
// config.
func WithService(s *assistant.Service) Option {
	return func(a *App) { a.svc = s }
}

// WithServiceOptions passes extra options to the service New creates.
func WithServiceOptions(opts ...assistant.Option) Option {
	return func(a *App) { a.svcOpts = append(a.svcOpts, opts...) }
}

// WithTracker sets the session tracker behind /sessions. Pass the same
// tracker to the injected service with [assistant.WithTracker].
func WithTracker(t *health.Tracker) Option {
	return func(a *App) { a.tracker = t }
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, listening: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	if a.tracker == nil {
		a.tracker = health.NewTracker()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Assistant service ─────────────────────────────────────────────
	if a.svc == nil {
		svcOpts := append([]assistant.Option{
			assistant.WithTracker(a.tracker),
			assistant.WithMetrics(a.metrics),
		}, a.svcOpts...)
		svc, err := assistant.New(ctx, *cfg, svcOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: init assistant: %w", err)
		}
		a.svc = svc
	}
	a.sessions = NewSessionManager(a.svc, slog.Default())
	a.closers = append(a.closers, func() error {
		a.sessions.Stop()
		return nil
	})

	// ── 2. Status endpoints ──────────────────────────────────────────────
	a.handler = a.buildHandler()

	// ── 3. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler(a.registry))
	health.New(a.tracker, health.Checker{
		Name: "api_key",
		Check: func(context.Context) error {
			if a.svc.Config().Gemini.APIKey == "" {
				return assistant.ErrNoAPIKey
			}
			return nil
		},
	}).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// applyConfig hands a reloaded config to the running subsystems.
func (a *App) applyConfig(diff config.ConfigDiff, cfg *config.Config) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "fields", diff.RestartRequired)
	}
	a.svc.Reload(*cfg)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Service returns the assistant service.
func (a *App) Service() *assistant.Service { return a.svc }

// Sessions returns the voice session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the status HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr blocks until the status listener is bound and returns its address.
// It returns nil if ctx ends first or the listener is disabled.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.listening:
		return a.addr
	case <-ctx.Done():
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the status endpoints and watches the config file until ctx is
// cancelled. It returns ctx.Err() on a normal stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Server.ListenerEnabled() {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
		a.addr = ln.Addr()
		a.server = &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
		close(a.listening)
		slog.Info("status endpoints listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	} else {
		close(a.listening)
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog counterpart.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
