package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Resampler converts buffers of one rate to a fixed target rate. It logs once
// on the first rate mismatch. Create one per stream; not safe for concurrent
// use.
type Resampler struct {
	Target int

	warnedMismatch sync.Once
}

// Buffer returns b at the target rate. Matching buffers are returned unchanged.
func (r *Resampler) Buffer(b Buffer) Buffer {
	if b.SampleRate == r.Target || b.SampleRate <= 0 {
		return b
	}
	r.warnedMismatch.Do(func() {
		slog.Warn("audio rate mismatch: resampling",
			"from", fmt.Sprintf("%dHz", b.SampleRate),
			"to", fmt.Sprintf("%dHz", r.Target),
		)
	})
	return Buffer{
		Samples:    Resample(b.Samples, b.SampleRate, r.Target),
		SampleRate: r.Target,
	}
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Input whose
// channel count is 1 or less is returned unchanged; a trailing partial frame is
// discarded.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
