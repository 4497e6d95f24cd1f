// Package voice implements the real-time voice session: it acquires the
// microphone and speaker, opens a live transport, streams captured audio to
// it, schedules the decoded replies for gapless playback and recovers
// transport failures with a bounded backoff.
//
// Each session is owned by one supervisory goroutine started by
// [Controller.Start]. It is the only writer of the session state, the retry
// counter and the playback cursor. Two helper goroutines run alongside it
// under an errgroup once the session first opens: the capture pipeline and
// the volume loop. The supervisor talks to the capture goroutine by message
// only.
//
// Callbacks run on the supervisor goroutine, except OnVolume which runs on
// the volume goroutine. They must return quickly and must not call
// [Handle.Disconnect], with the single exception of OnClosed.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hypermanager/hypermind/internal/observe"
	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/audio/playback"
	"github.com/hypermanager/hypermind/pkg/audio/volume"
	"github.com/hypermanager/hypermind/pkg/device"
	"github.com/hypermanager/hypermind/pkg/provider/live"
)

// Defaults applied by [New].
const (
	DefaultWireSampleRate   = 16000
	DefaultOutputSampleRate = 24000
	DefaultOutputGain       = 1.8
)

// errStreamEnded is the transport error reported when the event stream closes
// without a terminal event.
var errStreamEnded = errors.New("voice: event stream ended unexpectedly")

// Config parameterises every session started by a [Controller].
type Config struct {
	// Session is sent to the endpoint on every (re)connect.
	Session live.SessionConfig

	// Backoff is the reconnection policy.
	Backoff Backoff

	// OutputGain scales playback. Defaults to 1.8.
	OutputGain float64

	// Volume configures the per-session level analyser.
	Volume volume.Config

	// VolumeInterval is the OnVolume cadence. Defaults to 16ms.
	VolumeInterval time.Duration

	// WireSampleRate is the rate of the PCM sent to the endpoint. Defaults to
	// Session.InputSampleRate, or 16000 if that is unset too.
	WireSampleRate int
}

// Deps are the collaborators of a [Controller]. Devices and Dialer are
// required.
type Deps struct {
	Devices device.Provider
	Dialer  live.Dialer

	// Decoder turns received chunks into buffers. Defaults to PCM16 with a
	// 24 kHz fallback rate.
	Decoder audio.Decoder

	// Clock supplies reconnection timers. Defaults to the wall clock.
	Clock Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Callbacks connect a session to its caller. All fields are optional.
type Callbacks struct {
	// OnAudio receives every decoded chunk right after it was scheduled.
	OnAudio func(buf audio.Buffer)

	// OnClosed is called exactly once, after every resource was released.
	OnClosed func(reason CloseReason)

	// OnVolume receives the input level in [0, 1] at the volume cadence.
	OnVolume func(level float64)

	// OnTranscript receives transcription fragments for both sides.
	OnTranscript func(role, text string)

	// OnState is called on every state transition.
	OnState func(s State)
}

// Controller starts voice sessions. It holds no per-session state and may
// start any number of sessions, though the microphone is exclusive so only
// one can hold it at a time.
type Controller struct {
	cfg  Config
	deps Deps
}

// New returns a Controller with defaults applied to cfg and deps.
func New(cfg Config, deps Deps) *Controller {
	if cfg.WireSampleRate <= 0 {
		cfg.WireSampleRate = cfg.Session.InputSampleRate
	}
	if cfg.WireSampleRate <= 0 {
		cfg.WireSampleRate = DefaultWireSampleRate
	}
	cfg.Session.InputSampleRate = cfg.WireSampleRate
	if cfg.OutputGain <= 0 {
		cfg.OutputGain = DefaultOutputGain
	}
	if cfg.VolumeInterval <= 0 {
		cfg.VolumeInterval = volume.DefaultInterval
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	if deps.Decoder == nil {
		deps.Decoder = audio.NewMIMEDecoder(DefaultOutputSampleRate)
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, deps: deps}
}

// Start launches a session and returns immediately. The session ends when
// ctx is cancelled, [Handle.Disconnect] is called, the endpoint closes it, the
// retry budget runs out or a device fails.
func (c *Controller) Start(ctx context.Context, cb Callbacks) *Handle {
	id := uuid.NewString()
	ctx = observe.WithSessionID(ctx, id)
	ctx, cancel := context.WithCancel(ctx)

	h := &Handle{
		id:       id,
		cancel:   cancel,
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s := &session{
		cfg:      c.cfg,
		deps:     c.deps,
		cb:       cb,
		handle:   h,
		cancel:   cancel,
		metrics:  c.deps.Metrics,
		logger:   c.deps.Logger.With("session_id", id),
		analyzer: volume.New(c.cfg.Volume),
	}
	go s.run(ctx)
	return h
}

// Handle controls a running session.
type Handle struct {
	id       string
	state    stateCell
	cancel   context.CancelFunc
	released chan struct{}
	done     chan struct{}
}

// ID returns the session id used in logs and metrics.
func (h *Handle) ID() string { return h.id }

// State returns a snapshot of the session state.
func (h *Handle) State() State { return h.state.load() }

// Done is closed after OnClosed has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Disconnect stops the session and waits until every resource is released.
// It is safe to call more than once and from OnClosed.
func (h *Handle) Disconnect() {
	h.cancel()
	<-h.released
}

// ─── Session ──────────────────────────────────────────────────────────────────

type session struct {
	cfg    Config
	deps   Deps
	cb     Callbacks
	handle *Handle
	cancel context.CancelFunc

	metrics  *observe.Metrics
	logger   *slog.Logger
	analyzer *volume.Analyzer

	mic      device.Microphone
	spk      device.Speaker
	timeline *playback.Timeline
	sched    *playback.Scheduler
	capture  *capture

	// group runs capture and volume once the session first opens. groupCtx is
	// nil until then, which keeps its Done channel out of every select.
	group    *errgroup.Group
	groupCtx context.Context

	attempt int
}

func (s *session) run(ctx context.Context) {
	start := time.Now()
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.logger.Info("voice: session starting")

	reason := s.supervise(ctx)
	s.teardown(context.WithoutCancel(ctx), reason, time.Since(start))
}

// supervise drives the state machine until the session must close.
func (s *session) supervise(ctx context.Context) CloseReason {
	s.setState(StateAcquiring)
	if err := s.acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return CloseReason{Kind: CloseStopped}
		}
		s.logger.Error("voice: device acquisition failed", "err", err)
		return CloseReason{Kind: CloseDevice, Err: err}
	}

	for {
		s.setState(StateConnecting)
		var lastErr error
		conn, err := s.deps.Dialer.Dial(ctx, s.cfg.Session)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				_ = conn.Close()
			}
			return CloseReason{Kind: CloseStopped}
		case err != nil:
			s.logger.Warn("voice: dial failed", "attempt", s.attempt, "err", err)
			lastErr = err
		default:
			reason, final, serveErr := s.serve(ctx, conn)
			if final {
				return reason
			}
			s.logger.Warn("voice: transport failed", "err", serveErr)
			lastErr = serveErr
		}

		s.setState(StateReconnecting)
		s.attempt++
		delay, ok := s.cfg.Backoff.Delay(s.attempt)
		if !ok {
			s.logger.Error("voice: reconnection attempts exhausted", "attempts", s.attempt-1, "err", lastErr)
			return CloseReason{Kind: CloseExhausted, Err: lastErr}
		}
		s.metrics.RecordReconnect(ctx, s.attempt)
		s.logger.Info("voice: reconnecting", "attempt", s.attempt, "delay", delay)

		select {
		case <-s.deps.Clock.After(delay):
		case <-ctx.Done():
			return CloseReason{Kind: CloseStopped}
		case <-s.groupDone():
			return s.activityStopped(ctx)
		}
	}
}

// acquire opens both devices and the output timeline. Whatever was opened is
// released by teardown, also on failure.
func (s *session) acquire(ctx context.Context) error {
	mic, err := s.deps.Devices.OpenMicrophone(ctx)
	if err != nil {
		return err
	}
	s.mic = mic

	spk, err := s.deps.Devices.OpenSpeaker(ctx)
	if err != nil {
		return err
	}
	s.spk = spk

	s.timeline = playback.NewTimeline(spk.SampleRate(), s.cfg.OutputGain)
	if err := spk.Start(s.timeline.Render); err != nil {
		return err
	}
	s.sched = playback.NewScheduler(s.timeline, s.timeline)
	s.capture = newCapture(mic, s.analyzer, s.cfg.WireSampleRate, s.metrics, s.logger)
	return nil
}

// serve runs one open conn. final reports whether the session must close with
// reason; otherwise err is the transport failure to recover from. The conn is
// closed and input routing stopped before serve returns.
func (s *session) serve(ctx context.Context, conn live.Conn) (reason CloseReason, final bool, err error) {
	s.attempt = 0
	s.startActivities(ctx)
	s.capture.route(s.groupCtx, conn)
	s.setState(StateOpen)
	s.logger.Info("voice: session open")

	defer func() {
		s.capture.route(s.groupCtx, nil)
		_ = conn.Close()
		go audio.Drain(conn.Events())
	}()

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return CloseReason{Kind: CloseStopped}, true, nil
		case <-s.groupDone():
			return s.activityStopped(ctx), true, nil
		case ev, ok := <-events:
			if !ok {
				return CloseReason{}, false, errStreamEnded
			}
			switch e := ev.(type) {
			case live.EventAudio:
				s.play(ctx, e)
			case live.EventInterrupted:
				s.sched.Interrupt()
				s.logger.Debug("voice: playback interrupted")
			case live.EventTranscript:
				if s.cb.OnTranscript != nil {
					s.cb.OnTranscript(e.Role, e.Text)
				}
			case live.EventTurnComplete:
				s.logger.Debug("voice: turn complete")
			case live.EventClosed:
				s.logger.Info("voice: endpoint closed session", "reason", e.Reason)
				return CloseReason{Kind: CloseRemote}, true, nil
			case live.EventError:
				return CloseReason{}, false, e
			}
		}
	}
}

func (s *session) play(ctx context.Context, e live.EventAudio) {
	buf, err := s.deps.Decoder.Decode(e.Audio, e.MIMEType)
	if err != nil {
		s.metrics.RecordDecodeError(ctx, e.MIMEType)
		s.logger.Warn("voice: dropping undecodable chunk", "mime", e.MIMEType, "bytes", len(e.Audio), "err", err)
		return
	}
	if len(buf.Samples) == 0 {
		return
	}
	item := s.sched.Schedule(buf)
	s.metrics.ChunksScheduled.Add(ctx, 1)
	s.metrics.PlaybackLead.Record(ctx, s.sched.Lead().Seconds())
	s.logger.Debug("voice: chunk scheduled", "start", item.Start, "end", item.End())
	if s.cb.OnAudio != nil {
		s.cb.OnAudio(buf)
	}
}

// startActivities launches capture and the volume loop the first time the
// session opens.
func (s *session) startActivities(ctx context.Context) {
	if s.group != nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	s.group, s.groupCtx = g, gctx

	g.Go(func() error { return s.capture.run(gctx) })
	g.Go(func() error {
		err := s.analyzer.Run(gctx, s.cfg.VolumeInterval, func(level float64) {
			if s.cb.OnVolume != nil {
				s.cb.OnVolume(level)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func (s *session) groupDone() <-chan struct{} {
	if s.groupCtx == nil {
		return nil
	}
	return s.groupCtx.Done()
}

// activityStopped classifies the end of the activity group. The error itself
// is collected by teardown.
func (s *session) activityStopped(ctx context.Context) CloseReason {
	if ctx.Err() != nil {
		return CloseReason{Kind: CloseStopped}
	}
	return CloseReason{Kind: CloseDevice}
}

// teardown releases everything in a fixed order regardless of the state the
// session ended in, then reports reason.
func (s *session) teardown(ctx context.Context, reason CloseReason, lifetime time.Duration) {
	s.cancel()
	if s.group != nil {
		if err := s.group.Wait(); err != nil && reason.Kind == CloseDevice && reason.Err == nil {
			reason.Err = err
		}
	}
	if s.mic != nil {
		if err := s.mic.Close(); err != nil {
			s.logger.Warn("voice: close microphone", "err", err)
		}
	}
	if s.timeline != nil {
		_ = s.timeline.Close()
	}
	if s.spk != nil {
		if err := s.spk.Close(); err != nil {
			s.logger.Warn("voice: close speaker", "err", err)
		}
	}

	s.metrics.ActiveSessions.Add(ctx, -1)
	s.metrics.RecordSessionClosed(ctx, reason.Kind.String(), lifetime)
	s.setState(StateClosed)
	s.logger.Info("voice: session closed", "reason", reason.String(), "lifetime", lifetime)
	close(s.handle.released)
	if s.cb.OnClosed != nil {
		s.cb.OnClosed(reason)
	}
	close(s.handle.done)
}

func (s *session) setState(st State) {
	s.handle.state.store(st)
	s.logger.Debug("voice: state", "state", st.String())
	if s.cb.OnState != nil {
		s.cb.OnState(st)
	}
}
