package voice

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hypermanager/hypermind/internal/observe"
	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/audio/volume"
	"github.com/hypermanager/hypermind/pkg/device"
	devicemock "github.com/hypermanager/hypermind/pkg/device/mock"
	livemock "github.com/hypermanager/hypermind/pkg/provider/live/mock"
)

func startCapture(t *testing.T, mic *devicemock.Microphone) (*capture, context.CancelFunc, <-chan error) {
	t.Helper()
	c := newCapture(mic, volume.New(volume.Config{}), 16000, observe.DefaultMetrics(), slog.Default())
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- c.run(ctx) }()
	t.Cleanup(cancel)
	return c, cancel, errc
}

func TestCapture_ResamplesToWireRate(t *testing.T) {
	mic := devicemock.NewMicrophone(48000)
	c, _, _ := startCapture(t, mic)

	conn := livemock.NewConn()
	c.route(t.Context(), conn)
	mic.Push(audio.Frame{Samples: make([]float32, 480), SampleRate: 48000})

	waitFor(t, "frame sent", func() bool { return len(conn.Sent()) == 1 })
	// 10 ms at 16 kHz is 160 samples of two bytes each.
	if got := len(conn.Sent()[0]); got != 320 {
		t.Errorf("chunk is %d bytes, want 320", got)
	}
}

func TestCapture_RouteToNilStopsSending(t *testing.T) {
	mic := devicemock.NewMicrophone(16000)
	c, _, _ := startCapture(t, mic)

	conn := livemock.NewConn()
	c.route(t.Context(), conn)
	mic.Push(frame(0.1))
	waitFor(t, "frame sent", func() bool { return len(conn.Sent()) == 1 })

	c.route(t.Context(), nil)
	mic.Push(frame(0.2))
	// The push has been received; a follow-up route proves it was processed.
	c.route(t.Context(), nil)
	if got := len(conn.Sent()); got != 1 {
		t.Errorf("sent %d chunks after unrouting, want 1", got)
	}
}

func TestCapture_MicrophoneFailure(t *testing.T) {
	mic := devicemock.NewMicrophone(16000)
	_, _, errc := startCapture(t, mic)

	mic.Fail(device.ErrUnavailable)
	select {
	case err := <-errc:
		if !errors.Is(err, errMicStopped) || !errors.Is(err, device.ErrUnavailable) {
			t.Errorf("run = %v, want microphone stopped wrapping ErrUnavailable", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("capture did not stop")
	}
}

func TestCapture_CancelReturnsNil(t *testing.T) {
	mic := devicemock.NewMicrophone(16000)
	_, cancel, errc := startCapture(t, mic)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run = %v, want nil", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("capture did not stop")
	}
}

func TestCapture_RerouteSwitchesTarget(t *testing.T) {
	mic := devicemock.NewMicrophone(16000)
	c, _, _ := startCapture(t, mic)

	first, second := livemock.NewConn(), livemock.NewConn()
	c.route(t.Context(), first)
	mic.Push(frame(0.1))
	waitFor(t, "frame on first conn", func() bool { return len(first.Sent()) == 1 })

	c.route(t.Context(), second)
	mic.Push(frame(0.2))
	waitFor(t, "frame on second conn", func() bool { return len(second.Sent()) == 1 })

	if got := len(first.Sent()); got != 1 {
		t.Errorf("first conn got %d chunks after reroute, want 1", got)
	}
}
