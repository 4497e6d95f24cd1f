// Package assistant is the service object behind every interaction mode. It
// is constructed explicitly from [config.Config] and owns the generative
// client, the live dialer and the audio devices:
//
//   - [Service.GenerateResponse] answers one chat turn.
//   - [Service.GenerateImage] renders a prompt into data URLs.
//   - [Service.ConnectLive] starts a full-duplex voice session.
//
// A running process can apply a reloaded configuration with [Service.Reload];
// changes take effect on the next request or session.
package assistant

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"

	"github.com/hypermanager/hypermind/internal/config"
	"github.com/hypermanager/hypermind/internal/health"
	"github.com/hypermanager/hypermind/internal/observe"
	"github.com/hypermanager/hypermind/internal/resilience"
	"github.com/hypermanager/hypermind/internal/voice"
	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/audio/opus"
	"github.com/hypermanager/hypermind/pkg/device"
	"github.com/hypermanager/hypermind/pkg/provider/live"
	"github.com/hypermanager/hypermind/pkg/provider/live/gemini"
)

const providerName = "gemini"

var (
	// ErrNoAPIKey is returned by [New] when the configuration has no API key.
	ErrNoAPIKey = errors.New("assistant: gemini api key is not set")

	// ErrEmptyResponse is returned when the model produced no candidate.
	ErrEmptyResponse = errors.New("assistant: empty response")

	// ErrNoImage is returned when an image request produced no image part.
	ErrNoImage = errors.New("assistant: no image in response")
)

// Roles of a [Turn].
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one earlier message of a chat.
type Turn struct {
	Role string
	Text string
}

// Image is an inline image attached to a chat prompt.
type Image struct {
	Data     []byte
	MIMEType string
}

// ChatRequest is a single chat turn.
type ChatRequest struct {
	Prompt      string
	History     []Turn
	Instruction string
	Mode        Mode
	Images      []Image
}

// ChatResponse is the model's answer and the web sources it was grounded on.
type ChatResponse struct {
	Text string
	URLs []string

	// Model is the model that answered, which differs from the mode's model
	// after a failover.
	Model string
}

// LiveCallbacks connect a live session to the caller.
type LiveCallbacks = voice.Callbacks

// Option is a functional option for [New].
type Option func(*Service)

// WithHTTPClient sets the HTTP client of the generative API.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithDevices sets the audio device provider. Without it the provider is
// created from the audio configuration on the first live session.
func WithDevices(p device.Provider) Option {
	return func(s *Service) { s.devices = p }
}

// WithDialer sets the live transport. Without it a Gemini Live dialer is
// built from the configuration.
func WithDialer(d live.Dialer) Option {
	return func(s *Service) { s.dialer = d }
}

// WithClock sets the reconnection clock of live sessions.
func WithClock(c voice.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithTracker registers every live session with t.
func WithTracker(t *health.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service routes requests to the generative service. It is safe for
// concurrent use.
type Service struct {
	client     *genai.Client
	httpClient *http.Client
	clock      voice.Clock
	tracker    *health.Tracker
	metrics    *observe.Metrics
	logger     *slog.Logger
	breakers   *resilience.Set

	mu        sync.RWMutex
	cfg       config.Config
	devices   device.Provider
	dialer    live.Dialer
	ownDialer bool
}

// New creates a Service from cfg. Defaults must already be applied, as
// [config.Load] does.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cfg.Gemini.Persona = cmp.Or(cfg.Gemini.Persona, DefaultPersona)
	s := &Service{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.Gemini.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  s.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.Gemini.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("assistant: create genai client: %w", err)
	}
	s.client = client
	s.breakers = resilience.NewSet(resilience.Config{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}, resilience.WithLogger(s.logger))

	if s.dialer == nil {
		s.dialer = newDialer(cfg, s.logger)
		s.ownDialer = true
	}
	return s, nil
}

func newDialer(cfg config.Config, logger *slog.Logger) live.Dialer {
	opts := []gemini.Option{
		gemini.WithModel(cfg.Gemini.LiveModel),
		gemini.WithVoice(cfg.Gemini.Voice),
		gemini.WithSendQueue(cfg.Audio.SendQueue),
		gemini.WithLogger(logger),
	}
	if cfg.Gemini.LiveURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.Gemini.LiveURL))
	}
	return gemini.New(cfg.Gemini.APIKey, opts...)
}

// newDecoder handles PCM16 and, when the codec initialises, Opus output. The
// Opus decoder keeps stream state, so every session gets its own.
func newDecoder(rate int, logger *slog.Logger) audio.Decoder {
	d := audio.NewMIMEDecoder(rate)
	od, err := opus.NewDecoder(rate, 1)
	if err != nil {
		logger.Warn("assistant: opus output disabled", "rate", rate, "err", err)
		return d
	}
	d.Register(opus.MediaType, od)
	return d
}

// Config returns the configuration currently in effect.
func (s *Service) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload applies a new configuration to subsequent requests and sessions.
// Running sessions keep the settings they started with. Endpoint, key and
// audio changes need a restart and are ignored here.
func (s *Service) Reload(cfg config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg.Gemini.Persona = cmp.Or(cfg.Gemini.Persona, DefaultPersona)
	s.cfg.Gemini.ChatModel = cfg.Gemini.ChatModel
	s.cfg.Gemini.ReasoningModel = cfg.Gemini.ReasoningModel
	s.cfg.Gemini.ImageModel = cfg.Gemini.ImageModel
	s.cfg.Gemini.LiveModel = cfg.Gemini.LiveModel
	s.cfg.Gemini.FallbackModel = cfg.Gemini.FallbackModel
	s.cfg.Gemini.Voice = cfg.Gemini.Voice
	s.cfg.Gemini.ThinkingBudget = cfg.Gemini.ThinkingBudget
	s.cfg.Gemini.MaxOutputTokens = cfg.Gemini.MaxOutputTokens
	s.cfg.Gemini.Grounding = cfg.Gemini.Grounding
	s.cfg.Gemini.Transcription = cfg.Gemini.Transcription

	if s.ownDialer && (old.Gemini.LiveModel != s.cfg.Gemini.LiveModel || old.Gemini.Voice != s.cfg.Gemini.Voice) {
		s.dialer = newDialer(s.cfg, s.logger)
	}
	s.logger.Info("assistant: configuration applied",
		"chat_model", s.cfg.Gemini.ChatModel,
		"live_model", s.cfg.Gemini.LiveModel,
	)
}

// GenerateResponse answers req.Prompt in the context of req.History. The
// system instruction is the persona followed by req.Instruction.
func (s *Service) GenerateResponse(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	cfg := s.Config()
	mode := req.Mode
	if mode == "" {
		mode = ModeChat
	}
	gen := generationFor(mode, cfg.Gemini)

	ctx, span := observe.StartSpan(ctx, "assistant.GenerateResponse")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(mode)), attribute.StringSlice("models", gen.models))

	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		contents = append(contents, genai.NewContentFromText(t.Text, genai.Role(t.Role)))
	}
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

	gcfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(ComposeInstruction(cfg.Gemini.Persona, req.Instruction), genai.RoleUser),
	}
	if cfg.Gemini.GroundingEnabled() {
		gcfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if mode.Reasoning() {
		gcfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(gen.thinkingBudget)}
		gcfg.MaxOutputTokens = gen.maxOutputTokens
	}

	resp, model, err := s.generate(ctx, "chat", gen.models, contents, gcfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &ChatResponse{Text: resp.Text(), Model: model}
	if gm := resp.Candidates[0].GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk != nil && chunk.Web != nil && chunk.Web.URI != "" {
				out.URLs = append(out.URLs, chunk.Web.URI)
			}
		}
	}
	observe.Logger(ctx).Debug("assistant: chat answered", "mode", mode, "model", model, "urls", len(out.URLs))
	return out, nil
}

// GenerateImage renders prompt with the image model and returns every image
// part as a data URL (data:<mime>;base64,<data>).
func (s *Service) GenerateImage(ctx context.Context, prompt string) ([]string, error) {
	cfg := s.Config()

	ctx, span := observe.StartSpan(ctx, "assistant.GenerateImage")
	defer span.End()

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, _, err := s.generate(ctx, "image", []string{cfg.Gemini.ImageModel}, contents, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var images []string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			images = append(images, DataURL(part.InlineData.MIMEType, part.InlineData.Data))
		}
	}
	if len(images) == 0 {
		return nil, ErrNoImage
	}
	return images, nil
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// generate asks each model in turn until one answers. Every attempt is
// measured; a model that keeps failing is skipped until its breaker resets.
func (s *Service) generate(ctx context.Context, kind string, models []string, contents []*genai.Content, gcfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, string, error) {
	resp, model, err := resilience.Failover(ctx, s.breakers, models,
		func(ctx context.Context, model string) (*genai.GenerateContentResponse, error) {
			start := time.Now()
			resp, err := s.client.Models.GenerateContent(ctx, model, contents, gcfg)
			s.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("provider", providerName),
					attribute.String("kind", kind),
				),
			)
			if err != nil {
				s.metrics.RecordProviderRequest(ctx, providerName, kind, "error")
				s.metrics.RecordProviderError(ctx, providerName, kind)
				observe.Logger(ctx).Warn("assistant: model failed", "kind", kind, "model", model, "err", err)
				return nil, err
			}
			s.metrics.RecordProviderRequest(ctx, providerName, kind, "ok")
			return resp, nil
		})
	if err != nil {
		return nil, "", fmt.Errorf("assistant: %s: %w", kind, err)
	}
	return resp, model, nil
}
