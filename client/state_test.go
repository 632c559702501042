package client

import (
	"errors"
	"testing"
	"time"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{DISCONNECTED, "DISCONNECTED"},
		{CONNECTING, "CONNECTING"},
		{CONNECTED, "CONNECTED"},
		{DISCONNECTING, "DISCONNECTING"},
		{ConnectionState(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager()

	if sm.GetState() != DISCONNECTED {
		t.Errorf("expected initial state DISCONNECTED, got %s", sm.GetState())
	}
}

// walkTo drives a fresh manager into state along the legal path.
func walkTo(t *testing.T, sm *StateManager, state ConnectionState) {
	t.Helper()
	path := map[ConnectionState][]ConnectionState{
		DISCONNECTED:  nil,
		CONNECTING:    {CONNECTING},
		CONNECTED:     {CONNECTING, CONNECTED},
		DISCONNECTING: {CONNECTING, CONNECTED, DISCONNECTING},
	}[state]
	for _, s := range path {
		if err := sm.TransitionTo(s, "setup", nil); err != nil {
			t.Fatalf("setup transition to %s failed: %v", s, err)
		}
	}
}

func TestLegalStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     ConnectionState
		to       ConnectionState
		shouldOK bool
	}{
		{"DISCONNECTED to CONNECTING", DISCONNECTED, CONNECTING, true},
		{"CONNECTING to CONNECTED", CONNECTING, CONNECTED, true},
		{"CONNECTING to DISCONNECTED", CONNECTING, DISCONNECTED, true},
		{"CONNECTED to DISCONNECTING", CONNECTED, DISCONNECTING, true},
		{"DISCONNECTING to DISCONNECTED", DISCONNECTING, DISCONNECTED, true},
		// Illegal transitions
		{"DISCONNECTED to CONNECTED", DISCONNECTED, CONNECTED, false},
		{"DISCONNECTED to DISCONNECTING", DISCONNECTED, DISCONNECTING, false},
		{"CONNECTING to DISCONNECTING", CONNECTING, DISCONNECTING, false},
		{"CONNECTED to CONNECTING", CONNECTED, CONNECTING, false},
		{"CONNECTED to DISCONNECTED", CONNECTED, DISCONNECTED, false},
		{"DISCONNECTING to CONNECTING", DISCONNECTING, CONNECTING, false},
		{"DISCONNECTING to CONNECTED", DISCONNECTING, CONNECTED, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateManager()
			walkTo(t, sm, tt.from)

			err := sm.TransitionTo(tt.to, "test", nil)

			if tt.shouldOK && err != nil {
				t.Errorf("expected legal transition, got error: %v", err)
			}

			if !tt.shouldOK {
				if err == nil {
					t.Errorf("expected illegal transition error, got none")
				}
				if sm.GetState() != tt.from {
					t.Errorf("illegal transition changed state to %s", sm.GetState())
				}
			}
		})
	}
}

func TestStateChangeHandlers(t *testing.T) {
	sm := NewStateManager()

	var captured []StateTransition
	sm.OnStateChange(func(transition StateTransition) {
		captured = append(captured, transition)
	})

	if err := sm.TransitionTo(CONNECTING, "user_initiated", nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if len(captured) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(captured))
	}

	trans := captured[0]
	if trans.From != DISCONNECTED || trans.To != CONNECTING {
		t.Errorf("unexpected transition %s → %s", trans.From, trans.To)
	}
	if trans.Reason != "user_initiated" {
		t.Errorf("expected reason user_initiated, got %q", trans.Reason)
	}
}

func TestHandlerMayReadState(t *testing.T) {
	sm := NewStateManager()

	var seen ConnectionState
	sm.OnStateChange(func(StateTransition) {
		// Handlers run outside the lock.
		seen = sm.GetState()
	})

	sm.TransitionTo(CONNECTING, "test", nil)

	if seen != CONNECTING {
		t.Errorf("expected handler to observe CONNECTING, got %s", seen)
	}
}

func TestMultipleHandlers(t *testing.T) {
	sm := NewStateManager()

	count1 := 0
	count2 := 0

	sm.OnStateChange(func(transition StateTransition) {
		count1++
	})

	sm.OnStateChange(func(transition StateTransition) {
		count2++
	})

	sm.TransitionTo(CONNECTING, "test", nil)

	if count1 != 1 {
		t.Errorf("expected handler 1 called once, got %d", count1)
	}

	if count2 != 1 {
		t.Errorf("expected handler 2 called once, got %d", count2)
	}
}

func TestTransitionDuration(t *testing.T) {
	sm := NewStateManager()

	var duration time.Duration

	sm.OnStateChange(func(transition StateTransition) {
		duration = transition.Duration
	})

	// Small sleep to ensure measurable duration
	time.Sleep(10 * time.Millisecond)

	sm.TransitionTo(CONNECTING, "test", nil)

	if duration < 10*time.Millisecond {
		t.Errorf("expected duration >= 10ms, got %v", duration)
	}
}

func TestTransitionWithError(t *testing.T) {
	sm := NewStateManager()
	walkTo(t, sm, CONNECTING)

	var capturedError error
	sm.OnStateChange(func(transition StateTransition) {
		capturedError = transition.Error
	})

	testErr := &ConnectionError{
		Code:    "TEST_ERROR",
		Type:    "TEST",
		Message: "test error",
	}

	sm.TransitionTo(DISCONNECTED, "handshake_failed", testErr)

	if !errors.Is(capturedError, testErr) {
		t.Errorf("expected error %v, got %v", testErr, capturedError)
	}
}

func TestRequire(t *testing.T) {
	sm := NewStateManager()

	err := sm.Require("ExecuteProcedure", CONNECTED)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}

	walkTo(t, sm, CONNECTED)
	if err := sm.Require("ExecuteProcedure", CONNECTED); err != nil {
		t.Errorf("unexpected error once connected: %v", err)
	}
}
