// Command hypermind is the terminal client for the HyperMind assistant. It
// runs a full-duplex voice session, a chat REPL or a one-shot image request.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hypermanager/hypermind/internal/app"
	"github.com/hypermanager/hypermind/internal/assistant"
	"github.com/hypermanager/hypermind/internal/config"
	"github.com/hypermanager/hypermind/internal/observe"
	"github.com/hypermanager/hypermind/internal/voice"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "hypermind.yaml", "path to the YAML configuration file")
	modeName := flag.String("mode", string(assistant.ModeLiveVoice), "interaction mode: "+modeList())
	prompt := flag.String("prompt", "", "answer one prompt and exit (chat and image modes)")
	instruction := flag.String("instruction", "", "extra system instruction appended to the persona")
	outDir := flag.String("out", ".", "directory for generated images")
	flag.Parse()

	mode, err := assistant.ParseMode(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hypermind: %v\n", err)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hypermind: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("hypermind starting",
		"version", version,
		"mode", mode,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "hypermind",
		ServiceVersion: version,
		Registry:       reg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithRegistry(reg), app.WithLevelVar(level)}
	if watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		if errors.Is(err, assistant.ErrNoAPIKey) {
			fmt.Fprintf(os.Stderr, "hypermind: set gemini.api_key or %s\n", config.EnvAPIKey)
		} else {
			slog.Error("failed to initialise application", "err", err)
		}
		return 1
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := application.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancelRun()
		switch {
		case mode == assistant.ModeLiveVoice:
			return runVoice(gctx, application.Sessions(), *instruction)
		case mode == assistant.ModeImageGen:
			return runImage(gctx, application.Service(), *prompt, *outDir, os.Stdin)
		case *prompt != "":
			return chatOnce(gctx, application.Service(), mode, *instruction, *prompt, os.Stdout)
		default:
			return runChat(gctx, application.Service(), mode, *instruction, os.Stdin, os.Stdout)
		}
	})

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path. A missing file yields the defaults plus the
// environment, and disables hot reload.
func loadConfig(path string) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		return nil, false, err
	}
	config.ApplyEnv(cfg)
	return cfg, false, nil
}

func modeList() string {
	names := make([]string, 0, len(assistant.Modes()))
	for _, m := range assistant.Modes() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

// ── Voice ─────────────────────────────────────────────────────────────────────

// runVoice holds one live session until it closes or ctx ends. The input
// level is drawn as a bar on stderr.
func runVoice(ctx context.Context, sm *app.SessionManager, instruction string) error {
	closed := make(chan voice.CloseReason, 1)
	meter := newLevelMeter(os.Stderr, 40)

	err := sm.Start(ctx, voice.Callbacks{
		OnVolume: meter.draw,
		OnState: func(s voice.State) {
			meter.status(s.String())
		},
		OnTranscript: func(role, text string) {
			meter.println(role + ": " + text)
		},
		OnClosed: func(r voice.CloseReason) { closed <- r },
	}, instruction)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Listening. Press Ctrl+C to hang up.")

	select {
	case r := <-closed:
		meter.println("session closed: " + r.String())
		if r.Kind == voice.CloseExhausted || r.Kind == voice.CloseDevice {
			return fmt.Errorf("voice session: %s", r)
		}
		return nil
	case <-ctx.Done():
		sm.Stop()
		return nil
	}
}

// ── Chat ──────────────────────────────────────────────────────────────────────

func chatOnce(ctx context.Context, svc *assistant.Service, mode assistant.Mode, instruction, prompt string, out io.Writer) error {
	resp, err := svc.GenerateResponse(ctx, assistant.ChatRequest{
		Prompt:      prompt,
		Instruction: instruction,
		Mode:        mode,
	})
	if err != nil {
		return err
	}
	printAnswer(out, resp)
	return nil
}

// runChat reads prompts line by line and keeps the conversation as history.
// An empty line is ignored; EOF ends the chat.
func runChat(ctx context.Context, svc *assistant.Service, mode assistant.Mode, instruction string, in io.Reader, out io.Writer) error {
	var history []assistant.Turn
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(out, "HyperMind (%s). Ctrl+D to quit.\n> ", mode)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}

		resp, err := svc.GenerateResponse(ctx, assistant.ChatRequest{
			Prompt:      line,
			History:     history,
			Instruction: instruction,
			Mode:        mode,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("chat request failed", "err", err)
			fmt.Fprint(out, "(request failed, try again)\n> ")
			continue
		}
		history = append(history,
			assistant.Turn{Role: assistant.RoleUser, Text: line},
			assistant.Turn{Role: assistant.RoleModel, Text: resp.Text},
		)
		printAnswer(out, resp)
		fmt.Fprint(out, "> ")
	}
}

func printAnswer(out io.Writer, resp *assistant.ChatResponse) {
	fmt.Fprintln(out, resp.Text)
	if len(resp.URLs) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for _, u := range resp.URLs {
			fmt.Fprintln(out, "  "+u)
		}
	}
}

// ── Image ─────────────────────────────────────────────────────────────────────

// runImage renders prompt, or the first line of in when prompt is empty, and
// writes every image into dir.
func runImage(ctx context.Context, svc *assistant.Service, prompt, dir string, in io.Reader) error {
	if prompt == "" {
		fmt.Fprint(os.Stderr, "Describe the image: ")
		sc := bufio.NewScanner(in)
		if sc.Scan() {
			prompt = strings.TrimSpace(sc.Text())
		}
		if prompt == "" {
			return errors.New("image: empty prompt")
		}
	}

	urls, err := svc.GenerateImage(ctx, prompt)
	if err != nil {
		return err
	}
	stamp := time.Now().Format("20060102-150405")
	for i, u := range urls {
		path, err := writeDataURL(dir, fmt.Sprintf("hypermind-%s-%d", stamp, i+1), u)
		if err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}

// writeDataURL decodes a base64 data URL into dir/name.<ext>.
func writeDataURL(dir, name, dataURL string) (string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(dataURL, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", fmt.Errorf("image: malformed data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("image: decode: %w", err)
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(strings.TrimSuffix(header, ";base64")); len(exts) > 0 {
		ext = exts[0]
	}
	path := filepath.Join(dir, name+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	return path, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format config.LogFormat) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	opts := &slog.HandlerOptions{Level: lv}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), lv
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), lv
}
