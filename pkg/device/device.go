// Package device abstracts the local audio hardware used by a voice session:
// one exclusive microphone producing fixed-size frames and one speaker pulling
// rendered samples from a callback.
//
// Backends:
//   - portaudio: real hardware through PortAudio (build tag "portaudio", cgo)
//   - synthetic: generated tone or silence and a clock-driven null speaker,
//     for headless runs and CI
//
// The backend is selected by [Config.Backend]; "auto" picks portaudio when the
// binary was built with it and synthetic otherwise.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hypermanager/hypermind/pkg/audio"
)

// Sentinel errors reported by [Provider] implementations. Acquisition
// failures wrap one of the first two so callers can tell them apart from
// transient problems.
var (
	// ErrPermissionDenied means the OS or user refused access to the device.
	ErrPermissionDenied = errors.New("device: permission denied")

	// ErrUnavailable means no usable device exists or it could not be opened.
	ErrUnavailable = errors.New("device: unavailable")

	// ErrClosed is returned when using a device after Close.
	ErrClosed = errors.New("device: closed")
)

// Backend names an audio backend.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendPortAudio Backend = "portaudio"
	BackendSynthetic Backend = "synthetic"
)

// Config describes the devices a session needs.
type Config struct {
	Backend Backend

	// InputSampleRate is the capture rate in Hz. Default 16000.
	InputSampleRate int

	// OutputSampleRate is the speaker rate in Hz. Default 24000.
	OutputSampleRate int

	// FrameSize is the number of samples per captured frame. Default 4096.
	FrameSize int

	// ToneHz makes the synthetic microphone emit a sine tone instead of
	// silence. Ignored by hardware backends.
	ToneHz float64
}

// Defaults used when a [Config] field is zero.
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
)

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
}

// Microphone is an acquired capture device.
type Microphone interface {
	// Frames delivers captured frames in capture order. The channel is closed
	// when the device stops, either through Close or because it failed.
	Frames() <-chan audio.Frame

	// Err returns the failure that stopped capture, or nil after a clean Close.
	Err() error

	// SampleRate returns the rate frames are delivered at.
	SampleRate() int

	// Close releases the device. Safe to call multiple times.
	Close() error
}

// Speaker is an acquired output device. After Start the device calls render
// from its audio thread whenever it needs len(out) more mono samples; render
// must fill out and must not block.
type Speaker interface {
	SampleRate() int
	Start(render func(out []float32)) error

	// Close stops output and releases the device. Safe to call multiple times.
	Close() error
}

// Provider acquires devices.
type Provider interface {
	OpenMicrophone(ctx context.Context) (Microphone, error)
	OpenSpeaker(ctx context.Context) (Speaker, error)
}

// New returns a provider for cfg.Backend.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = BackendSynthetic
		if portAudioAvailable {
			backend = BackendPortAudio
		}
	}

	logger.Info("audio devices",
		"backend", backend,
		"input_rate", cfg.InputSampleRate,
		"output_rate", cfg.OutputSampleRate,
		"frame_size", cfg.FrameSize,
	)

	switch backend {
	case BackendSynthetic:
		return NewSynthetic(cfg, logger), nil
	case BackendPortAudio:
		return newPortAudio(cfg, logger)
	default:
		return nil, fmt.Errorf("device: unsupported backend %q", backend)
	}
}
