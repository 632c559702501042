package bulk

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrUnparseableProgress is matched by every *ParseError.
	ErrUnparseableProgress = errors.New("unparseable progress report")

	// ErrStalled is matched by every *StallError.
	ErrStalled = errors.New("bulk operation stalled")

	// ErrMaxRounds is returned when the round limit is reached before completion.
	ErrMaxRounds = errors.New("maximum rounds exceeded")

	// ErrEmptyQuery is returned by Deleter.Delete for a blank query.
	ErrEmptyQuery = errors.New("delete query is empty")
)

// RoundError reports the round in which the loop was aborted.
type RoundError struct {
	Round int
	// Attempts is the number of times the round was tried.
	Attempts int
	Err      error
}

func (e *RoundError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("round %d failed after %d attempts: %v", e.Round, e.Attempts, e.Err)
	}
	return fmt.Sprintf("round %d failed: %v", e.Round, e.Err)
}

func (e *RoundError) Unwrap() error { return e.Err }

// ParseError means a procedure answered, but its progress report could not be
// understood or described impossible progress.
type ParseError struct {
	Procedure string
	Body      string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s returned %q: %v", e.Procedure, truncate(e.Body, 120), e.Err)
}

// Unwrap matches both ErrUnparseableProgress and the underlying decode error.
func (e *ParseError) Unwrap() []error {
	return []error{ErrUnparseableProgress, e.Err}
}

// StallError is returned when consecutive upload rounds consumed nothing.
type StallError struct {
	Cursor    int
	Remaining int
	// ZeroRounds is the number of consecutive rounds without progress.
	ZeroRounds int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("no progress in %d consecutive rounds at cursor %d (%d items remaining)",
		e.ZeroRounds, e.Cursor, e.Remaining)
}

func (e *StallError) Unwrap() error { return ErrStalled }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
