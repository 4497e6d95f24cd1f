package playback

import (
	"sync"
	"time"

	"github.com/hypermanager/hypermind/pkg/audio"
)

var (
	_ Clock     = (*Timeline)(nil)
	_ Sink      = (*Timeline)(nil)
	_ Converter = (*Timeline)(nil)
)

type queued struct {
	samples []float32
	start   int64 // frame index on the timeline
}

func (q queued) end() int64 { return q.start + int64(len(q.samples)) }

// Timeline is a software mixer driven by an output device. The device calls
// [Timeline.Render] from its audio callback; everything else may be called
// from any goroutine.
type Timeline struct {
	rate      int
	gain      float32
	resampler audio.Resampler

	mu       sync.Mutex
	rendered int64
	items    []queued
	closed   bool
}

// NewTimeline creates a timeline rendering mono audio at rate Hz. gain is
// applied to every sample before clipping; values <= 0 mean unity.
func NewTimeline(rate int, gain float64) *Timeline {
	if gain <= 0 {
		gain = 1
	}
	return &Timeline{
		rate:      rate,
		gain:      float32(gain),
		resampler: audio.Resampler{Target: rate},
	}
}

// SampleRate returns the output rate.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the position of the next frame to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.rendered)
}

// Convert resamples buf to the output rate. Not safe for concurrent use with
// Play.
func (t *Timeline) Convert(buf audio.Buffer) audio.Buffer {
	return t.resampler.Buffer(buf)
}

// Play queues buf at the given position. Buffers at another rate are
// resampled. A position already rendered starts at the next rendered frame.
func (t *Timeline) Play(buf audio.Buffer, at time.Duration) {
	buf = t.resampler.Buffer(buf)
	if len(buf.Samples) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	start := max(t.frameAt(at), t.rendered)
	t.items = append(t.items, queued{samples: buf.Samples, start: start})
}

// Clear drops every queued buffer, including one that is partially played.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = nil
}

// Pending returns the number of buffers not yet fully rendered.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Render mixes the next len(out) frames into out and advances the clock.
// After Close it writes silence.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	from := t.rendered
	to := from + int64(len(out))
	kept := t.items[:0]
	for _, it := range t.items {
		lo := max(it.start, from)
		hi := min(it.end(), to)
		for f := lo; f < hi; f++ {
			out[f-from] += it.samples[f-it.start]
		}
		if it.end() > to {
			kept = append(kept, it)
		}
	}
	clear(t.items[len(kept):])
	t.items = kept

	for i, s := range out {
		out[i] = min(max(s*t.gain, -1), 1)
	}
	t.rendered = to
}

// Close stops output and drops pending audio. It is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.items = nil
	return nil
}

func (t *Timeline) frameTime(frame int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(frame * int64(time.Second) / int64(t.rate))
}

func (t *Timeline) frameAt(d time.Duration) int64 {
	// Round to the nearest frame so back-to-back buffers stay contiguous
	// despite nanosecond truncation in Buffer.Duration.
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}
