//go:build !portaudio

package device

import (
	"fmt"
	"log/slog"
)

const portAudioAvailable = false

func newPortAudio(Config, *slog.Logger) (Provider, error) {
	return nil, fmt.Errorf("%w: built without portaudio (rebuild with -tags portaudio)", ErrUnavailable)
}
