package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// EnvAPIKey names the environment variable consulted by [ApplyEnv].
const EnvAPIKey = "GEMINI_API_KEY"

// ApplyEnv fills settings the file leaves empty from the environment.
func ApplyEnv(cfg *Config) {
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv(EnvAPIKey)
	}
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}

	g := &cfg.Gemini
	if g.ChatModel == "" {
		g.ChatModel = DefaultChatModel
	}
	if g.ReasoningModel == "" {
		g.ReasoningModel = DefaultReasoningModel
	}
	if g.ImageModel == "" {
		g.ImageModel = DefaultImageModel
	}
	if g.LiveModel == "" {
		g.LiveModel = DefaultLiveModel
	}
	if g.Voice == "" {
		g.Voice = DefaultVoice
	}
	if g.ThinkingBudget == 0 {
		g.ThinkingBudget = DefaultThinkingBudget
	}
	if g.MaxOutputTokens == 0 {
		g.MaxOutputTokens = DefaultMaxOutputTokens
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = BackendAuto
	}
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.OutputGain == 0 {
		a.OutputGain = DefaultOutputGain
	}
	if a.VolumeInterval == 0 {
		a.VolumeInterval = DefaultVolumeInterval
	}
	if a.VolumeSmoothing == 0 {
		a.VolumeSmoothing = DefaultVolumeSmoothing
	}
	if a.VolumeSensitivity == 0 {
		a.VolumeSensitivity = DefaultVolumeSensitivity
	}
	if a.FFTSize == 0 {
		a.FFTSize = DefaultFFTSize
	}
	if a.SendQueue == 0 {
		a.SendQueue = DefaultSendQueue
	}

	rc := &cfg.Reconnect
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = DefaultMaxAttempts
	}
	if rc.Unit == 0 {
		rc.Unit = DefaultBackoffUnit
	}

	rs := &cfg.Resilience
	if rs.MaxFailures == 0 {
		rs.MaxFailures = DefaultBreakerFailures
	}
	if rs.ResetTimeout == 0 {
		rs.ResetTimeout = DefaultBreakerReset
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Gemini
	if cfg.Gemini.ThinkingBudget < 0 {
		errs = append(errs, fmt.Errorf("gemini.thinking_budget %d must not be negative", cfg.Gemini.ThinkingBudget))
	}
	if cfg.Gemini.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("gemini.max_output_tokens %d must not be negative", cfg.Gemini.MaxOutputTokens))
	}
	if cfg.Gemini.APIKey == "" {
		slog.Debug("gemini.api_key is empty; " + EnvAPIKey + " must provide it")
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: auto, portaudio, synthetic", a.Backend))
	}
	if a.InputSampleRate < 0 || a.InputSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [1, 192000]", a.InputSampleRate))
	}
	if a.OutputSampleRate < 0 || a.OutputSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [1, 192000]", a.OutputSampleRate))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", a.FrameSize))
	}
	if a.OutputGain < 0 || a.OutputGain > 10 {
		errs = append(errs, fmt.Errorf("audio.output_gain %.2f is out of range [0, 10]", a.OutputGain))
	}
	if a.VolumeInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.volume_interval %s must not be negative", a.VolumeInterval))
	}
	if a.VolumeSmoothing < 0 || a.VolumeSmoothing >= 1 {
		errs = append(errs, fmt.Errorf("audio.volume_smoothing %.2f is out of range [0, 1)", a.VolumeSmoothing))
	}
	if a.VolumeSensitivity < 0 {
		errs = append(errs, fmt.Errorf("audio.volume_sensitivity %.2f must not be negative", a.VolumeSensitivity))
	}
	if a.FFTSize < 0 || a.FFTSize > 32768 {
		errs = append(errs, fmt.Errorf("audio.fft_size %d is out of range [0, 32768]", a.FFTSize))
	}
	if a.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must not be negative", a.SendQueue))
	}
	if a.ToneHz < 0 {
		errs = append(errs, fmt.Errorf("audio.tone_hz %.2f must not be negative", a.ToneHz))
	}
	if a.ToneHz > 0 && a.Backend == BackendPortAudio {
		slog.Warn("audio.tone_hz only affects the synthetic backend", "backend", a.Backend)
	}

	// Reconnect
	if cfg.Reconnect.Unit < 0 {
		errs = append(errs, fmt.Errorf("reconnect.unit %s must not be negative", cfg.Reconnect.Unit))
	}
	if cfg.Reconnect.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d is out of range; at most 10", cfg.Reconnect.MaxAttempts))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}
