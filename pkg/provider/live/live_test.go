package live_test

import (
	"errors"
	"testing"

	"github.com/hypermanager/hypermind/pkg/provider/live"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ev   live.Event
		want bool
	}{
		{live.EventAudio{}, false},
		{live.EventInterrupted{}, false},
		{live.EventTranscript{}, false},
		{live.EventTurnComplete{}, false},
		{live.EventClosed{}, true},
		{live.EventError{}, true},
	}
	for _, tt := range tests {
		t.Run(live.EventName(tt.ev), func(t *testing.T) {
			if got := live.IsTerminal(tt.ev); got != tt.want {
				t.Errorf("IsTerminal(%T) = %v, want %v", tt.ev, got, tt.want)
			}
		})
	}
}

func TestEventError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("reset by peer")
	var err error = live.EventError{Err: cause}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(EventError, cause) = false")
	}
}
