// Package audio defines the sample containers and codecs shared by the voice
// pipeline.
//
// Two containers flow through the system:
//
//   - [Frame]: a fixed-size window of captured microphone samples. Frames are
//     immutable once produced; the capture pipeline encodes each one exactly
//     once and the volume analyzer only reads it.
//   - [Buffer]: a decoded block of model speech ready to be placed on the
//     output timeline.
//
// Samples are mono float32 values in [-1, 1]. Wire encoding to and from 16-bit
// little-endian PCM lives in pcm.go.
package audio

import "time"

// Frame is one block of captured microphone audio.
type Frame struct {
	// Samples holds mono float32 PCM in [-1, 1]. Callers must not modify it.
	Samples []float32

	// SampleRate in Hz (16000 for the live endpoint).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the length of the frame in wall time.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// Buffer is a decoded block of output audio.
type Buffer struct {
	// Samples holds mono float32 PCM in [-1, 1].
	Samples []float32

	// SampleRate in Hz (24000 for the live endpoint).
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return samplesDuration(len(b.Samples), b.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
