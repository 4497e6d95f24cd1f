// Package gemini implements the live.Dialer interface for Google's Gemini Live
// API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM media chunks;
// synthesized speech, interruptions and transcripts arrive as live.Event
// values.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/provider/live"
)

// Compile-time assertions that Dialer and conn satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Conn = (*conn)(nil)

const (
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	DefaultVoice   = "Kore"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultSendQueue    = 32
	defaultSetupTimeout = 15 * time.Second
	eventBuffer         = 64

	// Model turns carry base64 audio and routinely exceed the websocket
	// library's 32 KiB default.
	readLimit = 8 << 20

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithVoice sets the default prebuilt voice for sessions that do not name one.
func WithVoice(voice string) Option {
	return func(d *Dialer) { d.voice = voice }
}

// WithSendQueue sets the outbound chunk queue length. Send fails with
// live.ErrBackpressure once it is full.
func WithSendQueue(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.sendQueue = n
		}
	}
}

// WithSetupTimeout bounds how long Dial waits for setupComplete.
func WithSetupTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.setupTimeout = timeout
		}
	}
}

// WithLogger sets the logger for connection diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dialer) { d.logger = logger }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements live.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey       string
	model        string
	baseURL      string
	voice        string
	sendQueue    int
	setupTimeout time.Duration
	logger       *slog.Logger
}

// New creates a Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:       apiKey,
		model:        DefaultModel,
		baseURL:      DefaultBaseURL,
		voice:        DefaultVoice,
		sendQueue:    defaultSendQueue,
		setupTimeout: defaultSetupTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a Gemini Live session, sends the setup message and waits for
// setupComplete. The returned conn is ready to accept audio.
func (d *Dialer) Dial(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	wsURL := d.baseURL + bidiPath + "?key=" + url.QueryEscape(d.apiKey)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	if err := d.handshake(ctx, ws, cfg); err != nil {
		ws.CloseNow()
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		out:    make(chan []byte, d.sendQueue),
		events: make(chan live.Event, eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
		logger: d.logger,
		rate:   cfg.InputSampleRate,
	}
	if c.rate <= 0 {
		c.rate = 16000
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.keepaliveLoop()
	go c.receiveLoop()

	return c, nil
}

// handshake sends the setup message and blocks until the endpoint answers.
func (d *Dialer) handshake(ctx context.Context, ws *websocket.Conn, cfg live.SessionConfig) error {
	ctx, cancel := context.WithTimeout(ctx, d.setupTimeout)
	defer cancel()

	voice := cfg.Voice
	if voice == "" {
		voice = d.voice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + d.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("gemini: await setup: %w", err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			continue // skip malformed frames
		}
		if sm.Error != nil {
			return fmt.Errorf("gemini: setup rejected: %w", sm.Error)
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return "gemini: " + msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	out    chan []byte
	events chan live.Event
	rate   int
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	// failure is the terminal error raised by the writer or keepalive; the
	// receive loop reports it instead of the resulting read error.
	failMu  sync.Mutex
	failure error
}

// Send queues one PCM16 chunk for the writer goroutine.
func (c *conn) Send(chunk []byte) error {
	if c.closed.Load() || c.ctx.Err() != nil {
		return live.ErrClosed
	}
	select {
	case c.out <- chunk:
		return nil
	default:
		return live.ErrBackpressure
	}
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	c.wg.Wait()
	return nil
}

// fail records a local transport failure and tears down the socket so the
// receive loop exits and reports it.
func (c *conn) fail(err error) {
	c.failMu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.failMu.Unlock()
	c.ws.CloseNow()
}

func (c *conn) failureErr() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failure
}

// writeLoop drains the outbound queue in order.
func (c *conn) writeLoop() {
	defer c.wg.Done()
	mime := audio.PCMMimeType(c.rate)
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.out:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{
						{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(chunk)},
					},
				},
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Warn("gemini: marshal media chunk", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.fail(fmt.Errorf("gemini: write: %w", err))
				}
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.fail(fmt.Errorf("gemini: keepalive: %w", err))
				return
			}
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them as events.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// A local Close ends the stream without a terminal event.
			if c.ctx.Err() != nil {
				return
			}
			c.emit(c.terminal(err))
			c.cancel()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			c.emit(live.EventError{Err: msg.Error})
			c.cancel()
			c.ws.CloseNow()
			return
		}
		if msg.GoAway != nil {
			c.logger.Info("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// terminal classifies the error that ended the read loop.
func (c *conn) terminal(readErr error) live.Event {
	if err := c.failureErr(); err != nil {
		return live.EventError{Err: err}
	}
	if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure {
		var ce websocket.CloseError
		errors.As(readErr, &ce)
		return live.EventClosed{Reason: ce.Reason}
	}
	return live.EventError{Err: fmt.Errorf("gemini: read: %w", readErr)}
}

// handleServerContent emits the events carried by one serverContent message.
// It returns false if the conn was closed while emitting.
func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted && !c.emit(live.EventInterrupted{}) {
		return false
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(data) == 0 {
					continue
				}
				if !c.emit(live.EventAudio{Audio: data, MIMEType: p.InlineData.MIMEType}) {
					return false
				}
			}
			if p.Text != "" && !c.emit(live.EventTranscript{Role: live.RoleModel, Text: p.Text}) {
				return false
			}
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		if !c.emit(live.EventTranscript{Role: live.RoleUser, Text: t.Text}) {
			return false
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		if !c.emit(live.EventTranscript{Role: live.RoleModel, Text: t.Text}) {
			return false
		}
	}
	if sc.TurnComplete && !c.emit(live.EventTurnComplete{}) {
		return false
	}
	return true
}

// emit delivers ev unless the conn is closed locally first.
func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
