// Package mock provides test doubles for the live package interfaces.
//
// Use Dialer to script the outcome of successive Dial calls and Conn to drive
// the inbound event stream and inspect what was sent.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Script: []mock.DialResult{{Conn: conn}, {Err: errDown}}}
//	// ... run the code under test ...
//	conn.Emit(live.EventAudio{Audio: pcm, MIMEType: "audio/pcm;rate=24000"})
//	conn.Fail(errors.New("reset"))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/hypermanager/hypermind/pkg/provider/live"
)

// ErrScriptExhausted is returned by Dialer.Dial when the script is used up and
// no default Err is set.
var ErrScriptExhausted = errors.New("mock: dial script exhausted")

// DialResult is the scripted outcome of one Dial call.
type DialResult struct {
	Conn *Conn
	Err  error
}

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	Cfg live.SessionConfig
}

// Dialer is a mock implementation of live.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Script is consumed in order, one entry per Dial call.
	Script []DialResult

	// Err is returned once Script is exhausted. If nil, ErrScriptExhausted is
	// returned instead.
	Err error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Ensure Dialer implements live.Dialer at compile time.
var _ live.Dialer = (*Dialer)(nil)

// Dial records the call and returns the next scripted result.
func (d *Dialer) Dial(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Cfg: cfg})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.Script) == 0 {
		if d.Err != nil {
			return nil, d.Err
		}
		return nil, ErrScriptExhausted
	}
	next := d.Script[0]
	d.Script = d.Script[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Conn, nil
}

// Calls returns the number of Dial calls so far. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Conn is a mock implementation of live.Conn.
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send and the chunk is not recorded.
	SendErr error

	events     chan live.Event
	sent       [][]byte
	closeCalls int
	finished   bool
}

// Ensure Conn implements live.Conn at compile time.
var _ live.Conn = (*Conn)(nil)

// NewConn returns an open conn with a buffered event stream.
func NewConn() *Conn {
	return &Conn{events: make(chan live.Event, 64)}
}

// Emit delivers a non-terminal event. It returns false once the stream has
// ended or the buffer is full.
func (c *Conn) Emit(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Terminate delivers a terminal event and closes the stream.
func (c *Conn) Terminate(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	select {
	case c.events <- ev:
	default:
	}
	close(c.events)
}

// Fail ends the stream with a transport error.
func (c *Conn) Fail(err error) { c.Terminate(live.EventError{Err: err}) }

// CloseRemote ends the stream with a graceful close by the endpoint.
func (c *Conn) CloseRemote(reason string) { c.Terminate(live.EventClosed{Reason: reason}) }

// Hangup ends the stream without any terminal event.
func (c *Conn) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// Send records a copy of chunk.
func (c *Conn) Send(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 || c.finished {
		return live.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, append([]byte(nil), chunk...))
	return nil
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Close ends the stream without a terminal event. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.finished {
		c.finished = true
		close(c.events)
	}
	return nil
}

// Sent returns copies of every chunk passed to Send. Thread-safe.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// CloseCalls returns how many times Close was called. Thread-safe.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
