package device

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hypermanager/hypermind/pkg/audio"
)

// Synthetic is a [Provider] without hardware. The microphone emits silence (or
// a tone) at real-time cadence and the speaker renders into a discarded buffer
// at the output rate, so the playback clock still advances.
type Synthetic struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	micOut bool
}

var _ Provider = (*Synthetic)(nil)

// NewSynthetic creates a synthetic provider.
func NewSynthetic(cfg Config, logger *slog.Logger) *Synthetic {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthetic{cfg: cfg, logger: logger}
}

// OpenMicrophone implements [Provider]. Only one microphone may be open at a
// time; a second call fails with [ErrUnavailable] until the first is closed.
func (s *Synthetic) OpenMicrophone(_ context.Context) (Microphone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.micOut {
		return nil, ErrUnavailable
	}
	s.micOut = true

	m := &syntheticMic{
		rate:    s.cfg.InputSampleRate,
		size:    s.cfg.FrameSize,
		toneHz:  s.cfg.ToneHz,
		frames:  make(chan audio.Frame, 4),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		release: s.releaseMic,
		logger:  s.logger,
	}
	go m.loop()
	return m, nil
}

func (s *Synthetic) releaseMic() {
	s.mu.Lock()
	s.micOut = false
	s.mu.Unlock()
}

// OpenSpeaker implements [Provider].
func (s *Synthetic) OpenSpeaker(_ context.Context) (Speaker, error) {
	return &syntheticSpeaker{
		rate: s.cfg.OutputSampleRate,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

type syntheticMic struct {
	rate   int
	size   int
	toneHz float64
	logger *slog.Logger

	frames  chan audio.Frame
	stop    chan struct{}
	done    chan struct{}
	release func()

	closeOnce sync.Once
}

func (m *syntheticMic) Frames() <-chan audio.Frame { return m.frames }
func (m *syntheticMic) Err() error                 { return nil }
func (m *syntheticMic) SampleRate() int            { return m.rate }

func (m *syntheticMic) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.release()
	})
	return nil
}

func (m *syntheticMic) loop() {
	defer close(m.done)
	defer close(m.frames)

	period := time.Duration(int64(m.size) * int64(time.Second) / int64(m.rate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var (
		phase float64
		ts    time.Duration
	)
	step := 2 * math.Pi * m.toneHz / float64(m.rate)
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		samples := make([]float32, m.size)
		if m.toneHz > 0 {
			for i := range samples {
				samples[i] = float32(0.3 * math.Sin(phase))
				phase += step
			}
			phase = math.Mod(phase, 2*math.Pi)
		}
		frame := audio.Frame{Samples: samples, SampleRate: m.rate, Timestamp: ts}
		ts += period

		select {
		case m.frames <- frame:
		default:
			m.logger.Debug("synthetic microphone overrun, dropping frame")
		}
	}
}

type syntheticSpeaker struct {
	rate int

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *syntheticSpeaker) SampleRate() int { return s.rate }

// Start renders 10 ms blocks on a ticker until Close.
func (s *syntheticSpeaker) Start(render func(out []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	go func() {
		defer close(s.done)
		const block = 10 * time.Millisecond
		buf := make([]float32, s.rate/100)
		ticker := time.NewTicker(block)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				render(buf)
			}
		}
	}()
	return nil
}

func (s *syntheticSpeaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
	return nil
}
