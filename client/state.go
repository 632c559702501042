package client

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	// DISCONNECTED indicates no active connection.
	DISCONNECTED ConnectionState = iota
	// CONNECTING indicates connection attempt in progress.
	CONNECTING
	// CONNECTED indicates active, established connection.
	CONNECTED
	// DISCONNECTING indicates graceful disconnect in progress.
	DISCONNECTING
)

// String returns the string representation of the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTING:
		return "CONNECTING"
	case CONNECTED:
		return "CONNECTED"
	case DISCONNECTING:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// StateTransition records one change of connection state.
type StateTransition struct {
	From      ConnectionState
	To        ConnectionState
	Timestamp time.Time
	// Duration is how long the previous state was held.
	Duration time.Duration
	// Reason is a short tag: "user_initiated", "handshake_failed", "dial_failed", ...
	Reason string
	// Error is set when the transition was caused by a failure.
	Error error
}

// StateChangeHandler is called when the connection state changes.
type StateChangeHandler func(transition StateTransition)

// StateManager guards connection state transitions.
//
// Legal transitions:
//   - DISCONNECTED → CONNECTING
//   - CONNECTING → CONNECTED
//   - CONNECTING → DISCONNECTED (failed connection)
//   - CONNECTED → DISCONNECTING
//   - DISCONNECTING → DISCONNECTED
type StateManager struct {
	current        ConnectionState
	lastTransition time.Time
	handlers       []StateChangeHandler
	mu             sync.Mutex
}

// NewStateManager creates a new state manager in DISCONNECTED state.
func NewStateManager() *StateManager {
	return &StateManager{
		current:        DISCONNECTED,
		lastTransition: time.Now(),
	}
}

// TransitionTo moves to newState, or returns an error if the move is illegal.
// Handlers run after the lock is released.
func (sm *StateManager) TransitionTo(newState ConnectionState, reason string, cause error) error {
	sm.mu.Lock()
	if !isLegalTransition(sm.current, newState) {
		from := sm.current
		sm.mu.Unlock()
		return fmt.Errorf("illegal state transition: %s → %s", from, newState)
	}

	now := time.Now()
	transition := StateTransition{
		From:      sm.current,
		To:        newState,
		Timestamp: now,
		Duration:  now.Sub(sm.lastTransition),
		Reason:    reason,
		Error:     cause,
	}
	sm.current = newState
	sm.lastTransition = now
	handlers := append([]StateChangeHandler(nil), sm.handlers...)
	sm.mu.Unlock()

	for _, handler := range handlers {
		handler(transition)
	}
	return nil
}

func isLegalTransition(from, to ConnectionState) bool {
	switch from {
	case DISCONNECTED:
		return to == CONNECTING
	case CONNECTING:
		return to == CONNECTED || to == DISCONNECTED
	case CONNECTED:
		return to == DISCONNECTING
	case DISCONNECTING:
		return to == DISCONNECTED
	default:
		return false
	}
}

// OnStateChange registers a handler to be called on state transitions.
func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// GetState returns the current connection state.
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Require returns a StateError unless the current state is want.
func (sm *StateManager) Require(operation string, want ConnectionState) error {
	if got := sm.GetState(); got != want {
		return ErrInvalidState(operation, want, got)
	}
	return nil
}
