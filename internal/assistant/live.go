package assistant

import (
	"context"
	"fmt"

	"github.com/hypermanager/hypermind/internal/config"
	"github.com/hypermanager/hypermind/internal/voice"
	"github.com/hypermanager/hypermind/pkg/audio/volume"
	"github.com/hypermanager/hypermind/pkg/device"
	"github.com/hypermanager/hypermind/pkg/provider/live"
)

// ConnectLive starts a voice session with the persona and instruction as its
// system instruction. It returns as soon as the session goroutine runs; the
// outcome of device acquisition and connection is reported through cb.
// OnClosed is called exactly once. The session ends when ctx is cancelled or
// the handle is disconnected.
func (s *Service) ConnectLive(ctx context.Context, cb LiveCallbacks, instruction string) (*voice.Handle, error) {
	devices, err := s.audioDevices()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cfg, dialer := s.cfg, s.dialer
	s.mu.RUnlock()

	ctrl := voice.New(liveConfig(cfg, instruction), voice.Deps{
		Devices: devices,
		Dialer:  dialer,
		Decoder: newDecoder(cfg.Audio.OutputSampleRate, s.logger),
		Clock:   s.clock,
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	h := ctrl.Start(ctx, cb)
	if s.tracker != nil {
		s.tracker.Track(h.ID(), func() string { return h.State().String() }, h.Done())
	}
	s.logger.Info("assistant: live session started", "session_id", h.ID(), "model", cfg.Gemini.LiveModel)
	return h, nil
}

// liveConfig maps the configuration onto one voice session.
func liveConfig(cfg config.Config, instruction string) voice.Config {
	return voice.Config{
		Session: live.SessionConfig{
			Instructions:    ComposeInstruction(cfg.Gemini.Persona, instruction),
			Voice:           cfg.Gemini.Voice,
			InputSampleRate: cfg.Audio.InputSampleRate,
			Transcription:   cfg.Gemini.Transcription,
		},
		Backoff: voice.Backoff{
			Unit:        cfg.Reconnect.Unit,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		OutputGain: cfg.Audio.OutputGain,
		Volume: volume.Config{
			FFTSize:     cfg.Audio.FFTSize,
			Smoothing:   cfg.Audio.VolumeSmoothing,
			Sensitivity: cfg.Audio.VolumeSensitivity,
		},
		VolumeInterval: cfg.Audio.VolumeInterval,
		WireSampleRate: cfg.Audio.InputSampleRate,
	}
}

// audioDevices returns the configured provider, creating it on first use so
// text-only modes never touch the audio stack.
func (s *Service) audioDevices() (device.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices != nil {
		return s.devices, nil
	}
	a := s.cfg.Audio
	p, err := device.New(device.Config{
		Backend:          device.Backend(a.Backend),
		InputSampleRate:  a.InputSampleRate,
		OutputSampleRate: a.OutputSampleRate,
		FrameSize:        a.FrameSize,
		ToneHz:           a.ToneHz,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("assistant: audio devices: %w", err)
	}
	s.devices = p
	return p, nil
}
