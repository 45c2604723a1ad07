package protocol

import (
	"sync"
	"sync/atomic"
)

// StateTracker holds the lifecycle state of a Socket implementation and the
// close status received from the peer. Safe for concurrent use.
type StateTracker struct {
	state atomic.Int32

	mu          sync.Mutex
	closeStatus CloseStatus
	closeReason string
	hasClose    bool

	peerClosed     chan struct{}
	peerClosedOnce sync.Once
}

// NewStateTracker returns a tracker in StateNone
func NewStateTracker() *StateTracker {
	return &StateTracker{peerClosed: make(chan struct{})}
}

// Load returns the current state
func (t *StateTracker) Load() State {
	return State(t.state.Load())
}

// Store sets the state unconditionally
func (t *StateTracker) Store(s State) {
	t.state.Store(int32(s))
}

// Transition moves from one state to another, reporting whether it happened
func (t *StateTracker) Transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// Fail marks the socket aborted unless it already completed a clean close
func (t *StateTracker) Fail() {
	for {
		cur := t.Load()
		if cur == StateClosed || cur == StateAborted {
			return
		}
		if t.Transition(cur, StateAborted) {
			return
		}
	}
}

// Terminate moves a socket that never connected to Closed and anything still
// live to Aborted
func (t *StateTracker) Terminate() {
	if t.Transition(StateNone, StateClosed) {
		return
	}
	t.Fail()
}

// RecordPeerClose stores the status from the peer's close frame and marks the
// socket closed. Only the first call has effect.
func (t *StateTracker) RecordPeerClose(status CloseStatus, reason string) {
	t.peerClosedOnce.Do(func() {
		t.mu.Lock()
		t.closeStatus = status
		t.closeReason = reason
		t.hasClose = true
		t.mu.Unlock()

		t.Store(StateClosed)
		close(t.peerClosed)
	})
}

// PeerClosed is closed once the peer's close frame has been received
func (t *StateTracker) PeerClosed() <-chan struct{} {
	return t.peerClosed
}

// CloseStatus returns the status recorded by RecordPeerClose
func (t *StateTracker) CloseStatus() (CloseStatus, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeStatus, t.closeReason, t.hasClose
}
