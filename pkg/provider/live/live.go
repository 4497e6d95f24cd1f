// Package live defines the transport abstraction for real-time, full-duplex
// voice sessions with a streaming model endpoint.
//
// A [Dialer] opens a [Conn] once the endpoint has acknowledged the session
// setup. The conn accepts encoded microphone audio through [Conn.Send] and
// reports everything the endpoint says as [Event] values on a single channel,
// so one goroutine can consume audio, interruptions and the terminal outcome
// in arrival order.
//
// Event stream contract:
//   - Zero or more non-terminal events ([EventAudio], [EventInterrupted],
//     [EventTranscript], [EventTurnComplete]).
//   - At most one terminal event ([EventClosed] or [EventError]), after which
//     the channel is closed.
//   - After a local [Conn.Close] the channel is closed without a terminal event.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send after the conn has been closed or failed.
	ErrClosed = errors.New("live: connection closed")

	// ErrBackpressure is returned by Send when the outbound queue is full. The
	// chunk has been dropped.
	ErrBackpressure = errors.New("live: send queue full")
)

// SessionConfig is sent to the endpoint when a session is opened.
type SessionConfig struct {
	// Instructions is the system instruction for the session.
	Instructions string

	// Voice names a prebuilt voice. Empty uses the dialer default.
	Voice string

	// InputSampleRate of the PCM16 audio passed to Send. Default 16000.
	InputSampleRate int

	// Transcription requests input and output transcripts as events.
	Transcription bool
}

// Event is one message from the endpoint.
type Event interface {
	eventName() string
}

// EventAudio carries one chunk of synthesized speech in the endpoint's
// encoding. MIMEType is as announced, e.g. "audio/pcm;rate=24000".
type EventAudio struct {
	Audio    []byte
	MIMEType string
}

// EventInterrupted means the endpoint detected barge-in and abandoned the
// current response. Pending playback should be discarded.
type EventInterrupted struct{}

// Speaker roles on [EventTranscript].
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// EventTranscript is a fragment of recognized user speech or of the text
// version of the model's reply.
type EventTranscript struct {
	Role string
	Text string
}

// EventTurnComplete marks the end of a model turn.
type EventTurnComplete struct{}

// EventClosed is the terminal event for a graceful close by the endpoint.
type EventClosed struct {
	Reason string
}

// EventError is the terminal event for a transport failure.
type EventError struct {
	Err error
}

func (EventAudio) eventName() string        { return "audio" }
func (EventInterrupted) eventName() string  { return "interrupted" }
func (EventTranscript) eventName() string   { return "transcript" }
func (EventTurnComplete) eventName() string { return "turn_complete" }
func (EventClosed) eventName() string       { return "closed" }
func (EventError) eventName() string        { return "error" }

// EventName returns a short lowercase name for ev, for logging.
func EventName(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.eventName()
}

// IsTerminal reports whether ev ends the event stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case EventClosed, EventError:
		return true
	}
	return false
}

func (e EventError) Error() string {
	if e.Err == nil {
		return "live: transport error"
	}
	return fmt.Sprintf("live: transport error: %v", e.Err)
}

func (e EventError) Unwrap() error { return e.Err }

// Conn is an open session.
type Conn interface {
	// Send queues one encoded audio chunk (PCM16 LE at the configured input
	// rate). It never blocks: it returns ErrBackpressure when the outbound
	// queue is full and ErrClosed once the conn is closed or failed.
	Send(chunk []byte) error

	// Events returns the inbound event stream. See the package documentation
	// for the ordering contract.
	Events() <-chan Event

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	// Dial connects, sends cfg and returns once the endpoint has acknowledged
	// the setup. The caller owns the returned Conn and must Close it.
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)
}
