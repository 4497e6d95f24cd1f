// Package volume derives a bounded, smoothed input level from captured audio
// for UI feedback.
//
// The level is computed the way a browser AnalyserNode reports byte frequency
// data: the most recent FFTSize samples are Blackman-windowed, transformed to a
// magnitude spectrum, smoothed over time per bin, mapped from a decibel range
// to 0..255 and averaged. The average is divided by a sensitivity constant and
// clamped to [0, 1].
package volume

import (
	"context"
	"math"
	"sync"
	"time"
)

// Defaults matching the browser analyser the level meter was tuned against.
const (
	DefaultFFTSize     = 256
	DefaultSmoothing   = 0.8
	DefaultSensitivity = 50
	DefaultMinDecibels = -100
	DefaultMaxDecibels = -30
	DefaultInterval    = 16 * time.Millisecond
)

// Config controls the analyser. Zero fields take the package defaults.
type Config struct {
	// FFTSize is the analysis window in samples. Rounded up to a power of two.
	FFTSize int

	// Smoothing is the per-bin time constant in (0, 1). Zero or out of range
	// means DefaultSmoothing.
	Smoothing float64

	// Sensitivity divides the mean byte magnitude before clamping.
	Sensitivity float64

	MinDecibels float64
	MaxDecibels float64
}

func (c *Config) applyDefaults() {
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
	c.FFTSize = nextPow2(c.FFTSize)
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = DefaultSmoothing
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = DefaultSensitivity
	}
	if c.MinDecibels == 0 && c.MaxDecibels == 0 {
		c.MinDecibels, c.MaxDecibels = DefaultMinDecibels, DefaultMaxDecibels
	}
}

// Analyzer accumulates samples and reports levels. Write and Sample may be
// called from different goroutines.
type Analyzer struct {
	cfg Config

	mu     sync.Mutex
	ring   []float32
	pos    int
	smooth []float64

	// Precomputed per FFTSize.
	window  []float64
	cos     []float64
	sin     []float64
	scratch []float64
}

// New creates an analyzer.
func New(cfg Config) *Analyzer {
	cfg.applyDefaults()
	n := cfg.FFTSize
	a := &Analyzer{
		cfg:     cfg,
		ring:    make([]float32, n),
		smooth:  make([]float64, n/2),
		window:  make([]float64, n),
		cos:     make([]float64, n),
		sin:     make([]float64, n),
		scratch: make([]float64, n),
	}
	for i := range n {
		// Blackman with alpha 0.16.
		x := 2 * math.Pi * float64(i) / float64(n)
		a.window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
		a.cos[i] = math.Cos(x)
		a.sin[i] = math.Sin(x)
	}
	return a
}

// Write appends samples to the analysis window. Only the last FFTSize samples
// are retained. The slice is copied; the caller keeps ownership.
func (a *Analyzer) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.ring)
	if len(samples) >= n {
		copy(a.ring, samples[len(samples)-n:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % n
	}
}

// Sample computes the current level in [0, 1] and advances the smoothing state.
func (a *Analyzer) Sample() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	// Unroll the ring oldest-first and window it.
	for i := range n {
		a.scratch[i] = float64(a.ring[(a.pos+i)%n]) * a.window[i]
	}

	bins := n / 2
	tau := a.cfg.Smoothing
	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	var sum float64
	for k := range bins {
		var re, im float64
		idx := 0
		for i := range n {
			re += a.scratch[i] * a.cos[idx]
			im -= a.scratch[i] * a.sin[idx]
			idx = (idx + k) % n
		}
		mag := math.Hypot(re, im) / float64(n)
		a.smooth[k] = tau*a.smooth[k] + (1-tau)*mag

		db := 20 * math.Log10(a.smooth[k])
		b := math.Floor(255 / span * (db - a.cfg.MinDecibels))
		sum += clamp(b, 0, 255)
	}

	avg := sum / float64(bins)
	return clamp(avg/a.cfg.Sensitivity, 0, 1)
}

// Run calls fn with a fresh level every interval until ctx is cancelled. It
// has no other side effects and returns ctx.Err().
func (a *Analyzer) Run(ctx context.Context, interval time.Duration, fn func(level float64)) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			level := a.Sample()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn(level)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
