package voice

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hypermanager/hypermind/internal/observe"
	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/device"
	devicemock "github.com/hypermanager/hypermind/pkg/device/mock"
	"github.com/hypermanager/hypermind/pkg/provider/live"
	livemock "github.com/hypermanager/hypermind/pkg/provider/live/mock"
)

const waitTimeout = 2 * time.Second

// ─── helpers ──────────────────────────────────────────────────────────────────

// fakeClock records every requested delay. Without a gate the timer fires
// immediately; with one, each timer fires when the test sends on the gate.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	gate   chan time.Time
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	if c.gate != nil {
		return c.gate
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.delays)
}

// recorder collects callback invocations.
type recorder struct {
	mu      sync.Mutex
	closed  []CloseReason
	buffers []audio.Buffer
	scripts []string

	states      chan State
	audioCh     chan audio.Buffer
	transcripts chan string
}

func newRecorder() *recorder {
	return &recorder{
		states:      make(chan State, 64),
		audioCh:     make(chan audio.Buffer, 64),
		transcripts: make(chan string, 64),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnAudio: func(buf audio.Buffer) {
			r.mu.Lock()
			r.buffers = append(r.buffers, buf)
			r.mu.Unlock()
			r.audioCh <- buf
		},
		OnClosed: func(reason CloseReason) {
			r.mu.Lock()
			r.closed = append(r.closed, reason)
			r.mu.Unlock()
		},
		OnTranscript: func(role, text string) {
			r.mu.Lock()
			r.scripts = append(r.scripts, role+":"+text)
			r.mu.Unlock()
			r.transcripts <- role + ":" + text
		},
		OnState: func(s State) {
			select {
			case r.states <- s:
			default:
			}
		},
	}
}

func (r *recorder) closeReasons() []CloseReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.closed)
}

// waitState blocks until the session reports want.
func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-r.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

type harness struct {
	ctrl    *Controller
	mic     *devicemock.Microphone
	spk     *devicemock.Speaker
	devices *devicemock.Provider
	dialer  *livemock.Dialer
	clock   *fakeClock
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, script ...livemock.DialResult) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		mic:    devicemock.NewMicrophone(16000),
		spk:    &devicemock.Speaker{Rate: 24000},
		dialer: &livemock.Dialer{Script: script},
		clock:  &fakeClock{},
		reader: reader,
	}
	h.devices = &devicemock.Provider{Mic: h.mic, Spk: h.spk}
	h.ctrl = New(Config{VolumeInterval: time.Millisecond}, Deps{
		Devices: h.devices,
		Dialer:  h.dialer,
		Clock:   h.clock,
		Metrics: m,
	})
	return h
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not finish; state %s", h.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func onlyReason(t *testing.T, r *recorder) CloseReason {
	t.Helper()
	reasons := r.closeReasons()
	if len(reasons) != 1 {
		t.Fatalf("OnClosed called %d times, want 1", len(reasons))
	}
	return reasons[0]
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func frame(v float32) audio.Frame {
	samples := make([]float32, 160)
	for i := range samples {
		samples[i] = v
	}
	return audio.Frame{Samples: samples, SampleRate: 16000}
}

func pcmChunk(n int, v float32) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.EncodePCM16(samples)
}

// ─── reconnection ─────────────────────────────────────────────────────────────

func TestController_ReconnectBackoffExhaustion(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)

	errReset := errors.New("connection reset")
	c1.Fail(errReset)
	waitDone(t, handle)

	reason := onlyReason(t, rec)
	if reason.Kind != CloseExhausted {
		t.Fatalf("close kind = %s, want exhausted", reason.Kind)
	}
	if reason.Err == nil {
		t.Error("exhausted close carries no error")
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if got := h.clock.Delays(); !slices.Equal(got, want) {
		t.Errorf("delays = %v, want %v", got, want)
	}
	if got := h.dialer.Calls(); got != 4 {
		t.Errorf("dial calls = %d, want 4", got)
	}
	if got := counterTotal(t, h.reader, "hypermind.voice.reconnects"); got != 3 {
		t.Errorf("reconnects metric = %d, want 3", got)
	}
	if handle.State() != StateClosed {
		t.Errorf("state = %s, want closed", handle.State())
	}
	if c1.CloseCalls() == 0 {
		t.Error("failed conn was not closed")
	}
	if h.mic.CloseCalls() != 1 || h.spk.CloseCalls() != 1 {
		t.Errorf("devices closed mic=%d spk=%d, want 1 each", h.mic.CloseCalls(), h.spk.CloseCalls())
	}
}

func TestController_ReopenResetsAttempts(t *testing.T) {
	c1, c2 := livemock.NewConn(), livemock.NewConn()
	h := newHarness(t,
		livemock.DialResult{Conn: c1},
		livemock.DialResult{Err: errors.New("unreachable")},
		livemock.DialResult{Conn: c2},
	)
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)
	c1.Fail(errors.New("reset"))

	rec.waitState(t, StateOpen)
	c2.Fail(errors.New("reset"))
	waitDone(t, handle)

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, // c1 lost, one failed dial, c2 opens
		2 * time.Second, 4 * time.Second, 8 * time.Second,
	}
	if got := h.clock.Delays(); !slices.Equal(got, want) {
		t.Errorf("delays = %v, want %v", got, want)
	}
	if got := h.dialer.Calls(); got != 6 {
		t.Errorf("dial calls = %d, want 6", got)
	}
	if reason := onlyReason(t, rec); reason.Kind != CloseExhausted {
		t.Errorf("close kind = %s, want exhausted", reason.Kind)
	}
}

func TestController_StreamEndWithoutTerminalEventReconnects(t *testing.T) {
	c1, c2 := livemock.NewConn(), livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1}, livemock.DialResult{Conn: c2})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)
	c1.Hangup()
	rec.waitState(t, StateOpen)

	handle.Disconnect()

	if got := h.clock.Delays(); !slices.Equal(got, []time.Duration{2 * time.Second}) {
		t.Errorf("delays = %v, want [2s]", got)
	}
	if reason := onlyReason(t, rec); reason.Kind != CloseStopped {
		t.Errorf("close kind = %s, want stopped", reason.Kind)
	}
	if c2.CloseCalls() == 0 {
		t.Error("open conn was not closed on disconnect")
	}
}

func TestController_DisabledReconnectClosesImmediately(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	h.ctrl.cfg.Backoff.MaxAttempts = -1
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)
	c1.Fail(errors.New("reset"))
	waitDone(t, handle)

	if reason := onlyReason(t, rec); reason.Kind != CloseExhausted {
		t.Errorf("close kind = %s, want exhausted", reason.Kind)
	}
	if got := h.clock.Delays(); len(got) != 0 {
		t.Errorf("delays = %v, want none", got)
	}
}

// ─── closing ──────────────────────────────────────────────────────────────────

func TestController_RemoteCloseDoesNotRetry(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)
	c1.CloseRemote("session over")
	waitDone(t, handle)

	if reason := onlyReason(t, rec); reason.Kind != CloseRemote {
		t.Errorf("close kind = %s, want remote", reason.Kind)
	}
	if got := h.dialer.Calls(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
	if got := h.clock.Delays(); len(got) != 0 {
		t.Errorf("delays = %v, want none", got)
	}
}

func TestHandle_DisconnectTwice(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)

	handle.Disconnect()
	handle.Disconnect()
	waitDone(t, handle)

	if reason := onlyReason(t, rec); reason.Kind != CloseStopped {
		t.Errorf("close kind = %s, want stopped", reason.Kind)
	}
	if c1.CloseCalls() == 0 {
		t.Error("conn not closed")
	}
	if h.mic.CloseCalls() != 1 {
		t.Errorf("mic closed %d times, want 1", h.mic.CloseCalls())
	}
	if h.spk.CloseCalls() != 1 {
		t.Errorf("speaker closed %d times, want 1", h.spk.CloseCalls())
	}
	if got := counterTotal(t, h.reader, "hypermind.voice.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d after close, want 0", got)
	}
}

// blockingDialer never completes a dial until its context ends.
type blockingDialer struct {
	entered chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, _ live.SessionConfig) (live.Conn, error) {
	close(d.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandle_DisconnectBeforeOpen(t *testing.T) {
	h := newHarness(t)
	d := &blockingDialer{entered: make(chan struct{})}
	h.ctrl.deps.Dialer = d
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	select {
	case <-d.entered:
	case <-time.After(waitTimeout):
		t.Fatal("dial never started")
	}
	handle.Disconnect()

	if handle.State() != StateClosed {
		t.Errorf("state = %s after Disconnect, want closed", handle.State())
	}
	waitDone(t, handle)
	if reason := onlyReason(t, rec); reason.Kind != CloseStopped {
		t.Errorf("close kind = %s, want stopped", reason.Kind)
	}
	if len(h.clock.Delays()) != 0 {
		t.Error("cancelled dial was treated as a transport failure")
	}
	if h.mic.CloseCalls() != 1 {
		t.Errorf("mic closed %d times, want 1", h.mic.CloseCalls())
	}
}

func TestHandle_DisconnectFromOnClosed(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	var handle *Handle
	var ready sync.WaitGroup
	ready.Add(1)
	cb := rec.callbacks()
	onClosed := cb.OnClosed
	cb.OnClosed = func(reason CloseReason) {
		ready.Wait()
		handle.Disconnect()
		onClosed(reason)
	}

	handle = h.ctrl.Start(t.Context(), cb)
	ready.Done()
	rec.waitState(t, StateOpen)
	c1.CloseRemote("bye")
	waitDone(t, handle)

	if reason := onlyReason(t, rec); reason.Kind != CloseRemote {
		t.Errorf("close kind = %s, want remote", reason.Kind)
	}
}

func TestController_ContextCancelStops(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	ctx, cancel := context.WithCancel(t.Context())
	handle := h.ctrl.Start(ctx, rec.callbacks())
	rec.waitState(t, StateOpen)
	cancel()
	waitDone(t, handle)

	if reason := onlyReason(t, rec); reason.Kind != CloseStopped {
		t.Errorf("close kind = %s, want stopped", reason.Kind)
	}
}

// ─── devices ──────────────────────────────────────────────────────────────────

func TestController_DeviceAcquisitionFailure(t *testing.T) {
	tests := []struct {
		name       string
		micErr     error
		spkErr     error
		wantErr    error
		wantMicRel int
	}{
		{name: "microphone denied", micErr: device.ErrPermissionDenied, wantErr: device.ErrPermissionDenied},
		{name: "speaker unavailable", spkErr: device.ErrUnavailable, wantErr: device.ErrUnavailable, wantMicRel: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, livemock.DialResult{Conn: livemock.NewConn()})
			h.devices.OpenMicrophoneErr = tt.micErr
			h.devices.OpenSpeakerErr = tt.spkErr
			rec := newRecorder()

			handle := h.ctrl.Start(t.Context(), rec.callbacks())
			waitDone(t, handle)

			reason := onlyReason(t, rec)
			if reason.Kind != CloseDevice {
				t.Fatalf("close kind = %s, want device", reason.Kind)
			}
			if !errors.Is(reason.Err, tt.wantErr) {
				t.Errorf("close err = %v, want %v", reason.Err, tt.wantErr)
			}
			if got := h.dialer.Calls(); got != 0 {
				t.Errorf("dial calls = %d, want 0", got)
			}
			if got := h.mic.CloseCalls(); got != tt.wantMicRel {
				t.Errorf("mic closed %d times, want %d", got, tt.wantMicRel)
			}
		})
	}
}

func TestController_MicrophoneFailureClosesSession(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	rec.waitState(t, StateOpen)
	h.mic.Fail(device.ErrUnavailable)
	waitDone(t, handle)

	reason := onlyReason(t, rec)
	if reason.Kind != CloseDevice {
		t.Fatalf("close kind = %s, want device", reason.Kind)
	}
	if !errors.Is(reason.Err, device.ErrUnavailable) {
		t.Errorf("close err = %v, want wrapping ErrUnavailable", reason.Err)
	}
	if c1.CloseCalls() == 0 {
		t.Error("conn not closed")
	}
	if got := h.dialer.Calls(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
}

// ─── capture ──────────────────────────────────────────────────────────────────

func TestController_NoReplayOfFramesCapturedWhileNotOpen(t *testing.T) {
	c1, c2 := livemock.NewConn(), livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1}, livemock.DialResult{Conn: c2})
	h.clock.gate = make(chan time.Time)
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	defer handle.Disconnect()
	rec.waitState(t, StateOpen)

	live1 := frame(0.1)
	h.mic.Push(live1)
	waitFor(t, "first frame sent", func() bool { return len(c1.Sent()) == 1 })

	c1.Fail(errors.New("reset"))
	rec.waitState(t, StateReconnecting)
	for _, v := range []float32{0.2, 0.3, 0.4} {
		if !h.mic.Push(frame(v)) {
			t.Fatal("microphone stopped")
		}
	}
	h.clock.gate <- time.Time{}
	rec.waitState(t, StateOpen)

	live2 := frame(0.5)
	h.mic.Push(live2)
	waitFor(t, "frame sent after reopen", func() bool { return len(c2.Sent()) == 1 })

	if got, want := c1.Sent()[0], audio.EncodePCM16(live1.Samples); string(got) != string(want) {
		t.Error("first conn received the wrong frame")
	}
	sent := c2.Sent()
	if len(sent) != 1 || string(sent[0]) != string(audio.EncodePCM16(live2.Samples)) {
		t.Errorf("second conn received %d chunks, want only the frame captured after reopen", len(sent))
	}
	if got := counterTotal(t, h.reader, "hypermind.voice.frames.dropped"); got != 3 {
		t.Errorf("dropped frames = %d, want 3", got)
	}
}

func TestController_BackpressureDropsFrame(t *testing.T) {
	c1 := livemock.NewConn()
	c1.SendErr = live.ErrBackpressure
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	defer handle.Disconnect()
	rec.waitState(t, StateOpen)

	h.mic.Push(frame(0.1))
	waitFor(t, "dropped frame counted", func() bool {
		return counterTotal(t, h.reader, "hypermind.voice.frames.dropped") == 1
	})
	if len(c1.Sent()) != 0 {
		t.Error("frame recorded despite backpressure")
	}
}

// ─── playback ─────────────────────────────────────────────────────────────────

func TestController_SchedulesDecodedAudio(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	defer handle.Disconnect()
	rec.waitState(t, StateOpen)

	c1.Emit(live.EventAudio{Audio: []byte{1, 2, 3}, MIMEType: "audio/pcm;rate=24000"})
	c1.Emit(live.EventAudio{Audio: pcmChunk(480, 0.25), MIMEType: "audio/pcm;rate=24000"})
	c1.Emit(live.EventAudio{Audio: pcmChunk(480, 0.25), MIMEType: "audio/pcm;rate=24000"})

	for range 2 {
		select {
		case buf := <-rec.audioCh:
			if len(buf.Samples) != 480 || buf.SampleRate != 24000 {
				t.Errorf("decoded %d samples at %d Hz, want 480 at 24000", len(buf.Samples), buf.SampleRate)
			}
		case <-time.After(waitTimeout):
			t.Fatal("decoded audio not delivered")
		}
	}

	// Both chunks play back to back with the output gain applied.
	out := h.spk.Render(960)
	for i, v := range out {
		if math.Abs(float64(v)-0.45) > 0.01 {
			t.Fatalf("sample %d = %v, want ~0.45", i, v)
		}
	}
	if got := counterTotal(t, h.reader, "hypermind.voice.decode.errors"); got != 1 {
		t.Errorf("decode errors = %d, want 1", got)
	}
	if got := counterTotal(t, h.reader, "hypermind.voice.chunks.scheduled"); got != 2 {
		t.Errorf("chunks scheduled = %d, want 2", got)
	}
	if handle.State() != StateOpen {
		t.Errorf("state = %s after decode error, want open", handle.State())
	}
}

func TestController_InterruptDiscardsPendingPlayback(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	handle := h.ctrl.Start(t.Context(), rec.callbacks())
	defer handle.Disconnect()
	rec.waitState(t, StateOpen)

	c1.Emit(live.EventAudio{Audio: pcmChunk(2400, 0.25), MIMEType: "audio/pcm;rate=24000"})
	<-rec.audioCh
	c1.Emit(live.EventInterrupted{})
	c1.Emit(live.EventTranscript{Role: live.RoleUser, Text: "stop"})

	select {
	case got := <-rec.transcripts:
		if got != "user:stop" {
			t.Errorf("transcript = %q, want user:stop", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("transcript not delivered")
	}

	for i, v := range h.spk.Render(480) {
		if v != 0 {
			t.Fatalf("sample %d = %v after interrupt, want silence", i, v)
		}
	}

	// New audio starts at the output clock, not after the discarded chunk.
	c1.Emit(live.EventAudio{Audio: pcmChunk(480, 0.25), MIMEType: "audio/pcm;rate=24000"})
	<-rec.audioCh
	if out := h.spk.Render(1); out[0] == 0 {
		t.Error("audio after interrupt did not start immediately")
	}
}

func TestController_ReportsVolume(t *testing.T) {
	c1 := livemock.NewConn()
	h := newHarness(t, livemock.DialResult{Conn: c1})
	rec := newRecorder()

	levels := make(chan float64, 256)
	cb := rec.callbacks()
	cb.OnVolume = func(level float64) {
		select {
		case levels <- level:
		default:
		}
	}

	handle := h.ctrl.Start(t.Context(), cb)
	defer handle.Disconnect()
	rec.waitState(t, StateOpen)

	loud := make([]float32, 512)
	for i := range loud {
		loud[i] = float32(math.Sin(float64(i) * 0.3))
	}
	h.mic.Push(audio.Frame{Samples: loud, SampleRate: 16000})

	deadline := time.After(waitTimeout)
	for {
		select {
		case l := <-levels:
			if l < 0 || l > 1 {
				t.Fatalf("level %v outside [0,1]", l)
			}
			if l > 0 {
				return
			}
		case <-deadline:
			t.Fatal("no non-zero level reported")
		}
	}
}
