// Package opus decodes Opus packets from the live endpoint into mono float32
// buffers. It wraps libopus through layeh.com/gopus and therefore requires cgo.
package opus

import (
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/hypermanager/hypermind/pkg/audio"
)

// MediaType is the MIME media type handled by [Decoder].
const MediaType = "audio/opus"

// maxFrameMs is the longest Opus frame duration; decode buffers are sized for it.
const maxFrameMs = 120

// ErrEmptyPacket is returned for a zero-length payload. libopus would treat it
// as packet loss and synthesise concealment audio, which is never wanted here.
var ErrEmptyPacket = errors.New("opus: empty packet")

var _ audio.Decoder = (*Decoder)(nil)

// Decoder holds libopus decoder state for one inbound stream. Consecutive
// packets must be fed in order from a single goroutine.
type Decoder struct {
	dec       *gopus.Decoder
	rate      int
	channels  int
	frameSize int
}

// NewDecoder creates a decoder producing audio at rate with the given channel
// count. Opus supports 8, 12, 16, 24 and 48 kHz.
func NewDecoder(rate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		rate:      rate,
		channels:  channels,
		frameSize: rate * maxFrameMs / 1000,
	}, nil
}

// Decode implements [audio.Decoder]. Multi-channel output is downmixed to mono.
func (d *Decoder) Decode(payload []byte, _ string) (audio.Buffer, error) {
	if len(payload) == 0 {
		return audio.Buffer{}, ErrEmptyPacket
	}
	pcm, err := d.dec.Decode(payload, d.frameSize, false)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("opus: decode: %w", err)
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = audio.Int16ToFloat(s)
	}
	return audio.Buffer{
		Samples:    audio.Downmix(samples, d.channels),
		SampleRate: d.rate,
	}, nil
}
