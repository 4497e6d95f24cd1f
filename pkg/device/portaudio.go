//go:build portaudio

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/hypermanager/hypermind/pkg/audio"
)

const portAudioAvailable = true

// portAudio opens default input and output streams. PortAudio is initialised
// once per open device and terminated on its Close; the library reference
// counts these calls.
type portAudio struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	micOut bool
}

func newPortAudio(cfg Config, logger *slog.Logger) (Provider, error) {
	return &portAudio{cfg: cfg, logger: logger}, nil
}

func (p *portAudio) OpenMicrophone(_ context.Context) (Microphone, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.micOut {
		return nil, fmt.Errorf("%w: microphone already in use", ErrUnavailable)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, classify("initialize", err)
	}
	buf := make([]float32, p.cfg.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(p.cfg.InputSampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classify("open input", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classify("start input", err)
	}
	p.micOut = true

	m := &paMic{
		stream:  stream,
		buf:     buf,
		rate:    p.cfg.InputSampleRate,
		logger:  p.logger,
		frames:  make(chan audio.Frame, 4),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		release: p.releaseMic,
	}
	go m.loop()
	return m, nil
}

func (p *portAudio) releaseMic() {
	p.mu.Lock()
	p.micOut = false
	p.mu.Unlock()
}

func (p *portAudio) OpenSpeaker(_ context.Context) (Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classify("initialize", err)
	}
	return &paSpeaker{rate: p.cfg.OutputSampleRate}, nil
}

// classify maps PortAudio failures onto the package sentinels.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%w: portaudio %s: %v", ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: portaudio %s: %v", ErrUnavailable, op, err)
}

type paMic struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	logger *slog.Logger

	frames  chan audio.Frame
	stop    chan struct{}
	done    chan struct{}
	release func()

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (m *paMic) Frames() <-chan audio.Frame { return m.frames }
func (m *paMic) SampleRate() int            { return m.rate }

func (m *paMic) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *paMic) loop() {
	defer close(m.done)
	defer close(m.frames)

	var ts time.Duration
	period := time.Duration(int64(len(m.buf)) * int64(time.Second) / int64(m.rate))
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		err := m.stream.Read()
		if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			select {
			case <-m.stop:
			default:
				m.errMu.Lock()
				m.err = classify("read", err)
				m.errMu.Unlock()
			}
			return
		}

		samples := make([]float32, len(m.buf))
		copy(samples, m.buf)
		frame := audio.Frame{Samples: samples, SampleRate: m.rate, Timestamp: ts}
		ts += period

		select {
		case m.frames <- frame:
		default:
			m.logger.Debug("microphone overrun, dropping frame")
		}
	}
}

func (m *paMic) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		// Read returns within one frame; wait for it before tearing down.
		<-m.done
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		portaudio.Terminate()
		m.release()
	})
	return err
}

type paSpeaker struct {
	rate int

	mu     sync.Mutex
	stream *portaudio.Stream
	closed bool
}

// Start opens a callback stream; PortAudio picks the buffer size.
func (s *paSpeaker) Start(render func(out []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stream != nil {
		return nil
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.rate), 0, render)
	if err != nil {
		return classify("open output", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return classify("start output", err)
	}
	s.stream = stream
	return nil
}

func (s *paSpeaker) SampleRate() int { return s.rate }

func (s *paSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.stream != nil {
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	portaudio.Terminate()
	return err
}
