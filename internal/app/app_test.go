package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hypermanager/hypermind/internal/app"
	"github.com/hypermanager/hypermind/internal/assistant"
	"github.com/hypermanager/hypermind/internal/config"
	"github.com/hypermanager/hypermind/internal/health"
	"github.com/hypermanager/hypermind/internal/observe"
	devicemock "github.com/hypermanager/hypermind/pkg/device/mock"
	livemock "github.com/hypermanager/hypermind/pkg/provider/live/mock"
)

// testConfig returns a config with defaults and a fake key.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Gemini.APIKey = "test-key"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newTestApp builds an App on mock devices and a mock live dialer.
func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	tracker := health.NewTracker()
	m := testMetrics(t)
	svc, err := assistant.New(context.Background(), *cfg,
		assistant.WithDevices(&devicemock.Provider{}),
		assistant.WithDialer(&livemock.Dialer{}),
		assistant.WithTracker(tracker),
		assistant.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("assistant.New: %v", err)
	}
	opts = append([]app.Option{
		app.WithService(svc),
		app.WithTracker(tracker),
		app.WithMetrics(m),
		app.WithRegistry(prometheus.NewRegistry()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Gemini.APIKey = ""
	_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, assistant.ErrNoAPIKey) {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestApp_StatusEndpoints(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig())

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/sessions"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s = %d, want 200", path, rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	var body struct {
		Sessions []health.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode /sessions: %v", err)
	}
	if len(body.Sessions) != 0 {
		t.Errorf("sessions = %v, want none", body.Sessions)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	addr := a.Addr(waitCtx)
	if addr == nil {
		t.Fatal("listener never bound")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ListenerDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "off"
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if addr := a.Addr(context.Background()); addr != nil {
		t.Errorf("Addr() = %v, want nil", addr)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}
}

func TestApp_ConfigReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hypermind.yaml")
	write := func(content string, mtime time.Time) {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	base := time.Now().Add(-time.Hour)
	write("gemini:\n  api_key: test-key\n  persona: Be brief.\n", base)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Server.ListenAddr = "off"

	var level slog.LevelVar
	a := newTestApp(t, cfg,
		app.WithLevelVar(&level),
		app.WithConfigPath(path, config.WithInterval(10*time.Millisecond)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	write("server:\n  log_level: debug\ngemini:\n  api_key: test-key\n  persona: Be verbose.\n", base.Add(time.Minute))

	deadline := time.Now().Add(3 * time.Second)
	for a.Service().Config().Gemini.Persona != "Be verbose." {
		if time.Now().After(deadline) {
			t.Fatalf("persona = %q after reload", a.Service().Config().Gemini.Persona)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
