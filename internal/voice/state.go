package voice

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a voice session.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// stateCell is written only by the supervisor goroutine and read by anyone.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State   { return State(c.v.Load()) }
func (c *stateCell) store(s State) { c.v.Store(int32(s)) }

// CloseKind classifies why a session ended.
type CloseKind int

const (
	// CloseStopped: the caller disconnected or cancelled the start context.
	CloseStopped CloseKind = iota

	// CloseRemote: the endpoint closed the session gracefully.
	CloseRemote

	// CloseExhausted: the transport kept failing and the retry budget ran out.
	CloseExhausted

	// CloseDevice: the microphone or speaker could not be acquired or failed.
	CloseDevice
)

// String returns a short lowercase name, also used as a metric attribute.
func (k CloseKind) String() string {
	switch k {
	case CloseStopped:
		return "stopped"
	case CloseRemote:
		return "remote"
	case CloseExhausted:
		return "exhausted"
	case CloseDevice:
		return "device"
	default:
		return fmt.Sprintf("close(%d)", int(k))
	}
}

// CloseReason is reported exactly once through Callbacks.OnClosed.
type CloseReason struct {
	Kind CloseKind

	// Err is the underlying failure for CloseExhausted and CloseDevice, and
	// may be nil otherwise.
	Err error
}

func (r CloseReason) String() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Err.Error()
}
