package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hypermanager/hypermind/internal/observe"
	"github.com/hypermanager/hypermind/pkg/audio"
	"github.com/hypermanager/hypermind/pkg/audio/volume"
	"github.com/hypermanager/hypermind/pkg/device"
	"github.com/hypermanager/hypermind/pkg/provider/live"
)

// errMicStopped is reported when the microphone stream ends without the
// session asking it to.
var errMicStopped = errors.New("voice: microphone stopped")

// capture pulls frames from the microphone, feeds the volume analyzer and
// forwards encoded frames to whichever conn is currently routed. It runs in
// its own goroutine; the supervisor changes the route by message.
type capture struct {
	mic       device.Microphone
	analyzer  *volume.Analyzer
	resampler *audio.Resampler
	routes    chan routeReq
	metrics   *observe.Metrics
	logger    *slog.Logger
}

func newCapture(mic device.Microphone, analyzer *volume.Analyzer, wireRate int, m *observe.Metrics, logger *slog.Logger) *capture {
	return &capture{
		mic:       mic,
		analyzer:  analyzer,
		resampler: &audio.Resampler{Target: wireRate},
		routes:    make(chan routeReq),
		metrics:   m,
		logger:    logger,
	}
}

type routeReq struct {
	conn live.Conn
	done chan struct{}
}

// route hands conn (or nil to stop sending) to the capture goroutine. When it
// returns, no further frame will be sent to the previous target and frames
// buffered before the switch have been discarded.
func (c *capture) route(ctx context.Context, conn live.Conn) {
	req := routeReq{conn: conn, done: make(chan struct{})}
	select {
	case c.routes <- req:
	case <-ctx.Done():
		return
	}
	select {
	case <-req.done:
	case <-ctx.Done():
	}
}

// run forwards frames until ctx is cancelled or the microphone fails.
func (c *capture) run(ctx context.Context) error {
	var target live.Conn
	frames := c.mic.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.routes:
			target = req.conn
			if target != nil {
				// Anything still buffered was captured before the session
				// opened and must not be sent late.
				if err := c.discardBuffered(ctx, frames); err != nil {
					close(req.done)
					return err
				}
			}
			close(req.done)
		case f, ok := <-frames:
			if !ok {
				return c.micFailure(ctx)
			}
			c.analyzer.Write(f.Samples)
			c.forward(ctx, target, f)
		}
	}
}

func (c *capture) forward(ctx context.Context, target live.Conn, f audio.Frame) {
	if target == nil {
		c.metrics.RecordFrameDropped(ctx, observe.DropNotOpen)
		return
	}
	buf := c.resampler.Buffer(audio.Buffer{Samples: f.Samples, SampleRate: f.SampleRate})
	err := target.Send(audio.EncodePCM16(buf.Samples))
	switch {
	case err == nil:
		c.metrics.FramesSent.Add(ctx, 1)
	case errors.Is(err, live.ErrBackpressure):
		c.metrics.RecordFrameDropped(ctx, observe.DropBackpressure)
	default:
		// The conn is failing; the supervisor will reroute shortly.
		c.metrics.RecordFrameDropped(ctx, observe.DropNotOpen)
		c.logger.Debug("voice: send failed, dropping frame", "err", err)
	}
}

func (c *capture) discardBuffered(ctx context.Context, frames <-chan audio.Frame) error {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return c.micFailure(ctx)
			}
			c.analyzer.Write(f.Samples)
			c.metrics.RecordFrameDropped(ctx, observe.DropNotOpen)
		default:
			return nil
		}
	}
}

func (c *capture) micFailure(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	if err := c.mic.Err(); err != nil {
		return fmt.Errorf("%w: %w", errMicStopped, err)
	}
	return errMicStopped
}
