package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrOddLength is returned by [DecodePCM16] when the payload cannot be split
// into whole 16-bit samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 payload")

// MIMEPCM16 is the MIME type prefix of raw 16-bit little-endian PCM as used by
// the live endpoint, e.g. "audio/pcm;rate=16000".
const MIMEPCM16 = "audio/pcm"

// PCMMimeType returns the MIME type string advertising PCM16 at rate.
func PCMMimeType(rate int) string {
	return MIMEPCM16 + ";rate=" + strconv.Itoa(rate)
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when the parameter is absent or
// malformed.
func RateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

// EncodePCM16 converts float32 samples to 16-bit little-endian PCM. Samples are
// clamped to [-1, 1]; negative values scale by 0x8000 and positive values by
// 0x7FFF so both ends of the range map exactly.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts a 16-bit little-endian PCM payload into a [Buffer] at
// sampleRate. An empty payload decodes to an empty buffer.
func DecodePCM16(data []byte, sampleRate int) (Buffer, error) {
	if len(data)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// Int16ToFloat maps a signed 16-bit sample into [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

func floatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return 0x7FFF
	case s <= -1:
		return -0x8000
	case s < 0:
		return int16(s * 0x8000)
	default:
		return int16(s * 0x7FFF)
	}
}
