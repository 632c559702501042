package bulk

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dan-strohschein/syndrdb-bulkload/food"
)

// DefaultDeleteProcedure is the stored procedure Deleter calls by default.
const DefaultDeleteProcedure = "bulkDelete"

// DeleteOptions configures a Deleter.
type DeleteOptions struct {
	// Procedure is the stored procedure name. Default: bulkDelete
	Procedure string

	// PartitionKey scopes every call.
	PartitionKey string

	Loop LoopSettings

	Logger zerolog.Logger
}

// DeleteResult summarizes a finished delete.
type DeleteResult struct {
	Rounds       int
	TotalDeleted int
	// Last is the final status report, whose Continuation is false on success.
	Last food.DeleteStatus
}

// Deleter reissues a delete query until the server reports nothing is left.
type Deleter struct {
	exec Executor
	opts DeleteOptions
}

// NewDeleter creates a Deleter.
func NewDeleter(exec Executor, opts DeleteOptions) *Deleter {
	if opts.Procedure == "" {
		opts.Procedure = DefaultDeleteProcedure
	}
	return &Deleter{exec: exec, opts: opts}
}

// Delete runs at least one round and stops at the first report whose
// continuation flag is false.
func (d *Deleter) Delete(ctx context.Context, query string) (DeleteResult, error) {
	if strings.TrimSpace(query) == "" {
		return DeleteResult{}, ErrEmptyQuery
	}
	logger := d.opts.Logger.With().
		Str("procedure", d.opts.Procedure).
		Str("partition_key", d.opts.PartitionKey).
		Logger()

	step := func(ctx context.Context, round int, total int) (food.DeleteStatus, int, error) {
		resp, err := d.exec.ExecuteProcedure(ctx, d.opts.Procedure, d.opts.PartitionKey, query)
		if err != nil {
			return food.DeleteStatus{}, total, err
		}

		var status food.DeleteStatus
		if err := json.Unmarshal([]byte(resp.Body), &status); err != nil {
			return food.DeleteStatus{}, total, &ParseError{Procedure: d.opts.Procedure, Body: resp.Body, Err: err}
		}
		total += status.Deleted

		logger.Info().
			Int("round", round).
			Int("status", resp.StatusCode).
			Int("deleted", status.Deleted).
			Int("total_deleted", total).
			Bool("continuation", status.Continuation).
			Str("activity_id", resp.ActivityID).
			Msg("delete round")
		return status, total, nil
	}

	done := func(_ int, last food.DeleteStatus) bool { return !last.Continuation }

	out, err := Run(ctx, 0, step, done, d.opts.Loop.options()...)
	result := DeleteResult{Rounds: out.Rounds, TotalDeleted: out.State, Last: out.Last}
	if err != nil {
		logger.Error().Err(err).Int("total_deleted", result.TotalDeleted).Msg("delete aborted")
		return result, err
	}

	logger.Info().Int("rounds", result.Rounds).Int("total_deleted", result.TotalDeleted).Msg("delete complete")
	return result, nil
}
