package bulk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dan-strohschein/syndrdb-bulkload/food"
)

// Upload defaults.
const (
	DefaultUploadProcedure = "bulkUpload"
	DefaultStallThreshold  = 3
)

// UploadOptions configures an Uploader.
type UploadOptions struct {
	// Procedure is the stored procedure name. Default: bulkUpload
	Procedure string

	// PartitionKey scopes every call.
	PartitionKey string

	// StallThreshold is the number of consecutive rounds that may consume
	// nothing before the upload fails with ErrStalled. Zero selects the
	// default of 3; a negative value disables detection, in which case a
	// server that never consumes keeps the loop running until MaxRounds or
	// cancellation.
	StallThreshold int

	// Loop bounds and paces the rounds. Enabling Loop.Retries resends the
	// unconsumed tail after a failed attempt even if the server stored part
	// of it; see WithRetry.
	Loop LoopSettings

	Logger zerolog.Logger
}

// UploadResult summarizes a finished upload.
type UploadResult struct {
	// Cursor is the number of items the server has consumed.
	Cursor int
	// Rounds is the number of procedure calls that succeeded.
	Rounds int
	// LastStatus is the status code of the final call.
	LastStatus int
}

// Uploader stores a batch through a procedure that may accept only a prefix
// of what it is sent.
type Uploader struct {
	exec Executor
	opts UploadOptions
}

// NewUploader creates an Uploader.
func NewUploader(exec Executor, opts UploadOptions) *Uploader {
	if opts.Procedure == "" {
		opts.Procedure = DefaultUploadProcedure
	}
	if opts.StallThreshold == 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	return &Uploader{exec: exec, opts: opts}
}

type uploadState struct {
	cursor     int
	zeroRounds int
}

type uploadRound struct {
	consumed int
	status   int
}

// Upload sends items[cursor:] each round and advances the cursor by the count
// the server reports, until every item has been consumed. An empty batch
// makes no calls.
func (u *Uploader) Upload(ctx context.Context, items []food.Food) (UploadResult, error) {
	if err := food.ValidateBatch(items); err != nil {
		return UploadResult{}, err
	}
	logger := u.opts.Logger.With().
		Str("procedure", u.opts.Procedure).
		Str("partition_key", u.opts.PartitionKey).
		Logger()

	if len(items) == 0 {
		logger.Info().Msg("nothing to upload")
		return UploadResult{}, nil
	}
	total := len(items)

	step := func(ctx context.Context, round int, st uploadState) (uploadRound, uploadState, error) {
		remaining := total - st.cursor
		resp, err := u.exec.ExecuteProcedure(ctx, u.opts.Procedure, u.opts.PartitionKey, items[st.cursor:])
		if err != nil {
			return uploadRound{}, st, err
		}

		consumed, err := parseConsumed(resp.Body)
		if err != nil {
			return uploadRound{}, st, &ParseError{Procedure: u.opts.Procedure, Body: resp.Body, Err: err}
		}
		if consumed > remaining {
			return uploadRound{}, st, &ParseError{
				Procedure: u.opts.Procedure,
				Body:      resp.Body,
				Err:       fmt.Errorf("consumed %d items but only %d were sent", consumed, remaining),
			}
		}

		st.cursor += consumed
		if consumed == 0 {
			st.zeroRounds++
		} else {
			st.zeroRounds = 0
		}

		logger.Info().
			Int("round", round).
			Int("status", resp.StatusCode).
			Int("cursor", st.cursor).
			Int("consumed", consumed).
			Int("total", total).
			Str("activity_id", resp.ActivityID).
			Msg("upload round")

		r := uploadRound{consumed: consumed, status: resp.StatusCode}
		if u.opts.StallThreshold > 0 && st.zeroRounds >= u.opts.StallThreshold {
			return r, st, &StallError{Cursor: st.cursor, Remaining: total - st.cursor, ZeroRounds: st.zeroRounds}
		}
		return r, st, nil
	}

	done := func(st uploadState, _ uploadRound) bool { return st.cursor >= total }

	out, err := Run(ctx, uploadState{}, step, done, u.opts.Loop.options()...)
	result := UploadResult{Cursor: out.State.cursor, Rounds: out.Rounds, LastStatus: out.Last.status}
	if err != nil {
		logger.Error().Err(err).Int("cursor", result.Cursor).Int("total", total).Msg("upload aborted")
		return result, err
	}

	logger.Info().Int("rounds", result.Rounds).Int("cursor", result.Cursor).Msg("upload complete")
	return result, nil
}

// parseConsumed reads the decimal item count a bulk insert returns. A JSON
// quoted number is accepted as well.
func parseConsumed(body string) (int, error) {
	s := strings.TrimSpace(body)
	if len(s) >= 2 && s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return 0, err
		}
		s = strings.TrimSpace(unquoted)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative item count %d", n)
	}
	return n, nil
}
