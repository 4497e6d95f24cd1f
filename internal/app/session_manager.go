package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hypermanager/hypermind/internal/voice"
)

// ErrSessionActive is returned by [SessionManager.Start] while another voice
// session is running.
var ErrSessionActive = errors.New("app: a voice session is already active")

// LiveConnector starts voice sessions. Implemented by *assistant.Service.
type LiveConnector interface {
	ConnectLive(ctx context.Context, cb voice.Callbacks, instruction string) (*voice.Handle, error)
}

// SessionInfo holds metadata about the active voice session.
type SessionInfo struct {
	// SessionID is the unique identifier of the session.
	SessionID string

	// Instruction is the caller's part of the system instruction.
	Instruction string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// SessionManager owns the single voice session of the process. The device
// pair can only be opened once, so a second Start fails until the first
// session has closed. All exported methods are safe for concurrent use.
type SessionManager struct {
	connector LiveConnector
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	active bool
	gen    uint64
	handle *voice.Handle
	info   SessionInfo
	// ready is closed once the current Start has returned from ConnectLive.
	ready chan struct{}
}

// NewSessionManager creates a SessionManager that starts sessions through c.
func NewSessionManager(c LiveConnector, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{connector: c, logger: logger, now: time.Now}
}

// Start begins a voice session. cb receives the session's events; OnClosed
// runs after the manager has released the slot, so it may start a new
// session.
func (sm *SessionManager) Start(ctx context.Context, cb voice.Callbacks, instruction string) error {
	sm.mu.Lock()
	if sm.active {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	sm.active = true
	sm.gen++
	gen := sm.gen
	ready := make(chan struct{})
	sm.ready = ready
	sm.mu.Unlock()

	userClosed := cb.OnClosed
	cb.OnClosed = func(reason voice.CloseReason) {
		sm.release(gen, reason)
		if userClosed != nil {
			userClosed(reason)
		}
	}

	h, err := sm.connector.ConnectLive(ctx, cb, instruction)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	defer close(ready)
	if err != nil {
		if sm.gen == gen {
			sm.active = false
		}
		return fmt.Errorf("app: start voice session: %w", err)
	}
	if sm.gen != gen || !sm.active {
		// Closed before ConnectLive returned.
		return nil
	}
	sm.handle = h
	sm.info = SessionInfo{SessionID: h.ID(), Instruction: instruction, StartedAt: sm.now()}
	sm.logger.Info("voice session started", "session_id", h.ID())
	return nil
}

func (sm *SessionManager) release(gen uint64, reason voice.CloseReason) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen != gen {
		return
	}
	sm.logger.Info("voice session ended", "session_id", sm.info.SessionID, "reason", reason.String())
	sm.active = false
	sm.handle = nil
	sm.info = SessionInfo{}
}

// Stop disconnects the active session and waits until its OnClosed has
// returned. A Stop racing a Start waits for the session to be connected and
// then stops it. It is a no-op when no session is active. Stop must not be
// called from a session callback.
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	active, ready := sm.active, sm.ready
	sm.mu.Unlock()
	if !active {
		return
	}
	<-ready

	sm.mu.Lock()
	h := sm.handle
	sm.mu.Unlock()
	if h != nil {
		h.Disconnect()
		<-h.Done()
	}
}

// IsActive reports whether a voice session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns the active session's metadata. ok is false when idle.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}
