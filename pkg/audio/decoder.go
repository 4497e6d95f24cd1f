package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnsupportedEncoding is returned by [MIMEDecoder.Decode] for a media type
// that has no registered decoder.
var ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")

// Decoder turns one inbound payload into a playable [Buffer]. mimeType is the
// type announced by the remote endpoint and may carry parameters such as the
// sample rate.
type Decoder interface {
	Decode(payload []byte, mimeType string) (Buffer, error)
}

// PCMDecoder decodes raw 16-bit little-endian PCM. The rate is taken from the
// MIME type when present and DefaultRate otherwise.
type PCMDecoder struct {
	DefaultRate int
}

// Decode implements [Decoder].
func (d PCMDecoder) Decode(payload []byte, mimeType string) (Buffer, error) {
	return DecodePCM16(payload, RateFromMIME(mimeType, d.DefaultRate))
}

// MIMEDecoder dispatches payloads to a [Decoder] by media type. PCM (and an
// empty media type) is always handled by the built-in [PCMDecoder]. Safe for
// concurrent registration, but the registered decoders themselves may be
// stateful and should be driven from a single goroutine.
type MIMEDecoder struct {
	pcm PCMDecoder

	mu     sync.RWMutex
	byType map[string]Decoder
}

// NewMIMEDecoder returns a dispatcher whose PCM path assumes defaultRate when
// the MIME type carries no rate.
func NewMIMEDecoder(defaultRate int) *MIMEDecoder {
	return &MIMEDecoder{
		pcm:    PCMDecoder{DefaultRate: defaultRate},
		byType: make(map[string]Decoder),
	}
}

// Register installs d for the media type (e.g. "audio/opus"). Parameters in
// mediaType are ignored.
func (m *MIMEDecoder) Register(mediaType string, d Decoder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[mediaTypeOf(mediaType)] = d
}

// Decode implements [Decoder].
func (m *MIMEDecoder) Decode(payload []byte, mimeType string) (Buffer, error) {
	mt := mediaTypeOf(mimeType)
	if mt == "" || mt == MIMEPCM16 || mt == "audio/l16" {
		return m.pcm.Decode(payload, mimeType)
	}
	m.mu.RLock()
	d, ok := m.byType[mt]
	m.mu.RUnlock()
	if !ok {
		return Buffer{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, mimeType)
	}
	return d.Decode(payload, mimeType)
}

func mediaTypeOf(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
