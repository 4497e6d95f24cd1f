package device_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hypermanager/hypermind/pkg/device"
)

func TestNew_Synthetic(t *testing.T) {
	p, err := device.New(device.Config{Backend: device.BackendSynthetic}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(*device.Synthetic); !ok {
		t.Fatalf("New returned %T, want *device.Synthetic", p)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := device.New(device.Config{Backend: "jack"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestSyntheticMicrophone_Frames(t *testing.T) {
	p := device.NewSynthetic(device.Config{InputSampleRate: 16000, FrameSize: 160, ToneHz: 440}, nil)
	mic, err := p.OpenMicrophone(t.Context())
	if err != nil {
		t.Fatalf("OpenMicrophone: %v", err)
	}
	defer mic.Close()

	var prev time.Duration = -1
	for range 3 {
		select {
		case f, ok := <-mic.Frames():
			if !ok {
				t.Fatal("frames channel closed early")
			}
			if len(f.Samples) != 160 || f.SampleRate != 16000 {
				t.Fatalf("frame len=%d rate=%d", len(f.Samples), f.SampleRate)
			}
			if f.Timestamp <= prev {
				t.Fatalf("timestamps not increasing: %v after %v", f.Timestamp, prev)
			}
			prev = f.Timestamp
		case <-time.After(2 * time.Second):
			t.Fatal("no frame from synthetic microphone")
		}
	}
}

func TestSyntheticMicrophone_Exclusive(t *testing.T) {
	p := device.NewSynthetic(device.Config{FrameSize: 160}, nil)
	mic, err := p.OpenMicrophone(t.Context())
	if err != nil {
		t.Fatalf("OpenMicrophone: %v", err)
	}
	if _, err := p.OpenMicrophone(t.Context()); !errors.Is(err, device.ErrUnavailable) {
		t.Fatalf("second OpenMicrophone err = %v, want ErrUnavailable", err)
	}

	if err := mic.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mic.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// The channel must end closed; drain anything buffered before Close.
	for range mic.Frames() {
	}
	if mic.Err() != nil {
		t.Errorf("Err() = %v after clean Close", mic.Err())
	}

	again, err := p.OpenMicrophone(t.Context())
	if err != nil {
		t.Fatalf("OpenMicrophone after release: %v", err)
	}
	again.Close()
}

func TestSyntheticSpeaker_Renders(t *testing.T) {
	p := device.NewSynthetic(device.Config{OutputSampleRate: 24000}, nil)
	spk, err := p.OpenSpeaker(t.Context())
	if err != nil {
		t.Fatalf("OpenSpeaker: %v", err)
	}

	calls := make(chan int, 64)
	if err := spk.Start(func(out []float32) {
		select {
		case calls <- len(out):
		default:
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case n := <-calls:
		if n != 240 {
			t.Errorf("render block = %d samples, want 240", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("render never called")
	}

	if err := spk.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := spk.Start(func([]float32) {}); !errors.Is(err, device.ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
}
