// Package mock provides in-memory implementations of the [device.Provider],
// [device.Microphone] and [device.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on acquisition and release, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(16000)
//	p := &mock.Provider{Mic: mic, Spk: &mock.Speaker{}}
//	// ... start a session with p ...
//	mic.Push(frame)
//	mic.Fail(device.ErrUnavailable)
package mock

import (
	"context"
	"sync"

	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/device"
)

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock [device.Provider].
type Provider struct {
	mu sync.Mutex

	// Mic is returned by OpenMicrophone when OpenMicrophoneErr is nil.
	Mic *Microphone

	// Spk is returned by OpenSpeaker when OpenSpeakerErr is nil.
	Spk *Speaker

	OpenMicrophoneErr error
	OpenSpeakerErr    error

	CallCountOpenMicrophone int
	CallCountOpenSpeaker    int
}

var _ device.Provider = (*Provider)(nil)

// OpenMicrophone implements [device.Provider].
func (p *Provider) OpenMicrophone(_ context.Context) (device.Microphone, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpenMicrophone++
	if p.OpenMicrophoneErr != nil {
		return nil, p.OpenMicrophoneErr
	}
	if p.Mic == nil {
		p.Mic = NewMicrophone(16000)
	}
	return p.Mic, nil
}

// OpenSpeaker implements [device.Provider].
func (p *Provider) OpenSpeaker(_ context.Context) (device.Speaker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpenSpeaker++
	if p.OpenSpeakerErr != nil {
		return nil, p.OpenSpeakerErr
	}
	if p.Spk == nil {
		p.Spk = &Speaker{}
	}
	return p.Spk, nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [device.Microphone] fed by the test through Push.
type Microphone struct {
	rate   int
	frames chan audio.Frame
	stop   chan struct{}

	senders sync.WaitGroup

	mu         sync.Mutex
	err        error
	stopped    bool
	closeCalls int
}

var _ device.Microphone = (*Microphone)(nil)

// NewMicrophone creates a microphone delivering frames at rate Hz.
func NewMicrophone(rate int) *Microphone {
	return &Microphone{
		rate:   rate,
		frames: make(chan audio.Frame),
		stop:   make(chan struct{}),
	}
}

// Push hands f to the consumer and blocks until it has been received. It
// returns false if the microphone stopped first.
func (m *Microphone) Push(f audio.Frame) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.senders.Add(1)
	m.mu.Unlock()
	defer m.senders.Done()

	select {
	case m.frames <- f:
		return true
	case <-m.stop:
		return false
	}
}

// Fail stops the microphone with err, as a device failure would.
func (m *Microphone) Fail(err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.err = err
	m.shutdown()
}

// shutdown must be called with mu held; it releases it.
func (m *Microphone) shutdown() {
	m.stopped = true
	close(m.stop)
	m.mu.Unlock()

	m.senders.Wait()
	close(m.frames)
}

// Frames implements [device.Microphone].
func (m *Microphone) Frames() <-chan audio.Frame { return m.frames }

// SampleRate implements [device.Microphone].
func (m *Microphone) SampleRate() int { return m.rate }

// Err implements [device.Microphone].
func (m *Microphone) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements [device.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	m.closeCalls++
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.shutdown()
	return nil
}

// CloseCalls returns how many times Close was called.
func (m *Microphone) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [device.Speaker]. Tests drive the render callback with
// Render to advance the playback clock.
type Speaker struct {
	// Rate is returned by SampleRate. Defaults to 24000.
	Rate int

	// StartErr is returned by Start.
	StartErr error

	mu         sync.Mutex
	render     func(out []float32)
	startCalls int
	closeCalls int
}

var _ device.Speaker = (*Speaker)(nil)

// SampleRate implements [device.Speaker].
func (s *Speaker) SampleRate() int {
	if s.Rate == 0 {
		return 24000
	}
	return s.Rate
}

// Start implements [device.Speaker].
func (s *Speaker) Start(render func(out []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.render = render
	return nil
}

// Render pulls n samples through the registered callback and returns them.
// It returns nil before Start or after Close.
func (s *Speaker) Render(n int) []float32 {
	s.mu.Lock()
	render := s.render
	s.mu.Unlock()
	if render == nil {
		return nil
	}
	out := make([]float32, n)
	render(out)
	return out
}

// Close implements [device.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.render = nil
	return nil
}

// StartCalls returns how many times Start was called.
func (s *Speaker) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// CloseCalls returns how many times Close was called.
func (s *Speaker) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
