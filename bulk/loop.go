package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
)

// DefaultRetryBackoff is the first retry delay when retries are enabled
// without an explicit backoff.
const DefaultRetryBackoff = 100 * time.Millisecond

// StepFunc performs one round. It receives the state committed by the
// previous round and returns the round's result and the next state. When it
// returns an error the next state is discarded.
type StepFunc[S, R any] func(ctx context.Context, round int, state S) (R, S, error)

// Outcome is the final state of a loop.
type Outcome[S, R any] struct {
	// State is the last committed state.
	State S
	// Last is the result of the last successful round.
	Last R
	// Rounds is the number of successful rounds.
	Rounds int
}

// RoundReport is passed to the OnRound callback after every round.
type RoundReport struct {
	Round    int
	Attempts int
	Duration time.Duration
	Err      error
}

type loopConfig struct {
	maxRounds    int
	roundTimeout time.Duration
	retries      int
	retryBackoff time.Duration
	onRound      func(RoundReport)
}

// LoopOption configures Run.
type LoopOption func(*loopConfig)

// WithMaxRounds stops the loop with ErrMaxRounds once n rounds completed
// without reaching done. Zero means unbounded; the loop then relies on the
// server to make progress.
func WithMaxRounds(n int) LoopOption {
	return func(c *loopConfig) { c.maxRounds = n }
}

// WithRoundTimeout bounds every attempt of every round.
func WithRoundTimeout(d time.Duration) LoopOption {
	return func(c *loopConfig) { c.roundTimeout = d }
}

// WithRetry retries a failed round up to attempts more times when the error
// is retryable. The delay starts at backoff and doubles.
//
// A retried round is at-least-once: an attempt that timed out after the
// server committed is sent again from the same state. For uploads that means
// items the server already stored are resent, and a server with create
// semantics answers with a conflict that aborts the upload.
func WithRetry(attempts int, backoff time.Duration) LoopOption {
	return func(c *loopConfig) {
		c.retries = attempts
		c.retryBackoff = backoff
	}
}

// OnRound registers a callback invoked after each round, failed or not.
func OnRound(fn func(RoundReport)) LoopOption {
	return func(c *loopConfig) { c.onRound = fn }
}

// Run calls step until done reports completion or a round fails. Rounds are
// strictly sequential. The context is checked before every round.
func Run[S, R any](ctx context.Context, initial S, step StepFunc[S, R], done func(state S, last R) bool, opts ...LoopOption) (Outcome[S, R], error) {
	cfg := loopConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.retries > 0 && cfg.retryBackoff <= 0 {
		cfg.retryBackoff = DefaultRetryBackoff
	}

	out := Outcome[S, R]{State: initial}
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return out, &RoundError{Round: round, Err: err}
		}
		if cfg.maxRounds > 0 && round > cfg.maxRounds {
			return out, fmt.Errorf("%w: stopped after %d rounds", ErrMaxRounds, cfg.maxRounds)
		}

		start := time.Now()
		last, next, attempts, err := runRound(ctx, &cfg, round, out.State, step)
		if cfg.onRound != nil {
			cfg.onRound(RoundReport{Round: round, Attempts: attempts, Duration: time.Since(start), Err: err})
		}
		if err != nil {
			return out, &RoundError{Round: round, Attempts: attempts, Err: err}
		}

		out.State, out.Last, out.Rounds = next, last, round
		if done(out.State, out.Last) {
			return out, nil
		}
	}
}

func runRound[S, R any](ctx context.Context, cfg *loopConfig, round int, state S, step StepFunc[S, R]) (R, S, int, error) {
	backoff := cfg.retryBackoff
	for attempt := 1; ; attempt++ {
		roundCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.roundTimeout > 0 {
			roundCtx, cancel = context.WithTimeout(ctx, cfg.roundTimeout)
		}
		last, next, err := step(roundCtx, round, state)
		cancel()

		if err == nil || attempt > cfg.retries || !retryable(ctx, cfg, err) {
			return last, next, attempt, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, state, attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

// retryable treats an expired round timeout like a transport timeout, as long
// as the caller's own context is still live.
func retryable(ctx context.Context, cfg *loopConfig, err error) bool {
	if protocol.IsRetryable(err) {
		return true
	}
	return cfg.roundTimeout > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded)
}

// LoopSettings is the serializable form of the loop options shared by
// Uploader and Deleter.
type LoopSettings struct {
	MaxRounds    int
	RoundTimeout time.Duration
	Retries      int
	RetryBackoff time.Duration
	OnRound      func(RoundReport)
}

func (s LoopSettings) options() []LoopOption {
	opts := []LoopOption{
		WithMaxRounds(s.MaxRounds),
		WithRoundTimeout(s.RoundTimeout),
		WithRetry(s.Retries, s.RetryBackoff),
	}
	if s.OnRound != nil {
		opts = append(opts, OnRound(s.OnRound))
	}
	return opts
}
