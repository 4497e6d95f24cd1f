// Package config provides the configuration schema, loader and file watcher
// for the HyperMind client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// AudioBackend selects the device implementation.
type AudioBackend string

const (
	BackendAuto      AudioBackend = "auto"
	BackendPortAudio AudioBackend = "portaudio"
	BackendSynthetic AudioBackend = "synthetic"
)

// IsValid reports whether b is a recognised backend.
func (b AudioBackend) IsValid() bool {
	switch b {
	case BackendAuto, BackendPortAudio, BackendSynthetic:
		return true
	}
	return false
}

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr      = "127.0.0.1:9464"
	DefaultChatModel       = "gemini-2.5-flash"
	DefaultReasoningModel  = "gemini-3-pro-preview"
	DefaultImageModel      = "gemini-2.5-flash-image"
	DefaultLiveModel       = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice           = "Kore"
	DefaultThinkingBudget  = 2048
	DefaultMaxOutputTokens = 8192

	DefaultInputSampleRate   = 16000
	DefaultOutputSampleRate  = 24000
	DefaultFrameSize         = 4096
	DefaultOutputGain        = 1.8
	DefaultVolumeInterval    = 16 * time.Millisecond
	DefaultVolumeSmoothing   = 0.8
	DefaultVolumeSensitivity = 50
	DefaultFFTSize           = 256
	DefaultSendQueue         = 32

	DefaultMaxAttempts = 3
	DefaultBackoffUnit = time.Second

	DefaultBreakerFailures = 3
	DefaultBreakerReset    = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Audio      AudioConfig      `yaml:"audio"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the metrics/health listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz, /readyz and
	// /sessions. Set to "off" to disable the listener.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`
}

// ListenerEnabled reports whether the HTTP listener should be started.
func (s ServerConfig) ListenerEnabled() bool {
	return s.ListenAddr != "off"
}

// GeminiConfig configures the generative service and its models.
type GeminiConfig struct {
	// APIKey authenticates every request. [Load] falls back to the
	// GEMINI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the REST endpoint used for chat and images.
	BaseURL string `yaml:"base_url"`

	// LiveURL overrides the websocket endpoint of the live session.
	LiveURL string `yaml:"live_url"`

	ChatModel      string `yaml:"chat_model"`
	ReasoningModel string `yaml:"reasoning_model"`
	ImageModel     string `yaml:"image_model"`
	LiveModel      string `yaml:"live_model"`

	// FallbackModel answers text requests when the mode's model keeps
	// failing. Reasoning modes fall back to ChatModel first.
	FallbackModel string `yaml:"fallback_model"`

	// Voice is the prebuilt voice of the live session.
	Voice string `yaml:"voice"`

	// Persona is prepended to every system instruction.
	Persona string `yaml:"persona"`

	// ThinkingBudget and MaxOutputTokens apply to the reasoning modes.
	ThinkingBudget  int32 `yaml:"thinking_budget"`
	MaxOutputTokens int32 `yaml:"max_output_tokens"`

	// Grounding enables the Google Search tool on chat requests. Defaults to
	// true.
	Grounding *bool `yaml:"grounding"`

	// Transcription requests input and output transcripts in live sessions.
	Transcription bool `yaml:"transcription"`
}

// GroundingEnabled reports the effective grounding setting.
func (g GeminiConfig) GroundingEnabled() bool {
	return g.Grounding == nil || *g.Grounding
}

// AudioConfig configures devices, playback and the level meter.
type AudioConfig struct {
	Backend AudioBackend `yaml:"backend"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the capture block in samples.
	FrameSize int `yaml:"frame_size"`

	// OutputGain boosts playback volume; samples are clipped to [-1, 1].
	OutputGain float64 `yaml:"output_gain"`

	VolumeInterval    time.Duration `yaml:"volume_interval"`
	VolumeSensitivity float64       `yaml:"volume_sensitivity"`
	VolumeSmoothing   float64       `yaml:"volume_smoothing"`
	FFTSize           int           `yaml:"fft_size"`

	// SendQueue bounds the outbound chunks waiting for the websocket writer.
	SendQueue int `yaml:"send_queue"`

	// ToneHz makes the synthetic microphone produce a sine tone.
	ToneHz float64 `yaml:"tone_hz"`
}

// ReconnectConfig is the live session reconnection policy.
type ReconnectConfig struct {
	// MaxAttempts bounds consecutive reconnection attempts. Negative disables
	// reconnection.
	MaxAttempts int `yaml:"max_attempts"`

	// Unit scales the 2^attempt delay.
	Unit time.Duration `yaml:"unit"`
}

// ResilienceConfig tunes the per-model circuit breakers of text requests.
type ResilienceConfig struct {
	// MaxFailures consecutive errors take a model out of rotation.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a failing model stays out of rotation.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
