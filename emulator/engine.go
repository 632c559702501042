package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dan-strohschein/syndrdb-bulkload/food"
	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
)

// Names of the built-in procedures.
const (
	ProcedureBulkUpload = "bulkUpload"
	ProcedureBulkDelete = "bulkDelete"
)

// Defaults for EngineOptions.
const (
	DefaultMaxUploadPerCall = 250
	DefaultMaxDeletePerCall = 100
)

// ProcedureFunc runs a stored procedure against the store. The returned value
// is encoded as the response data.
type ProcedureFunc func(ctx context.Context, store *Store, call *protocol.ProcedureCall) (interface{}, error)

// StatusError is a procedure failure with an explicit status code.
type StatusError struct {
	Status int
	Code   protocol.ErrorCode
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func badRequest(format string, args ...interface{}) error {
	return &StatusError{Status: http.StatusBadRequest, Code: protocol.ErrorCodeProcedureFailed, Err: fmt.Errorf(format, args...)}
}

// EngineOptions configures the built-in procedures.
type EngineOptions struct {
	// MaxUploadPerCall caps the documents bulkUpload writes per call.
	MaxUploadPerCall int

	// MaxDeletePerCall caps the documents bulkDelete removes per call.
	MaxDeletePerCall int

	// ThrottleEvery rejects every n-th call with 429 when positive.
	ThrottleEvery int

	Logger zerolog.Logger
}

// Engine dispatches procedure calls to registered procedures.
type Engine struct {
	store  *Store
	opts   EngineOptions
	logger zerolog.Logger

	mu    sync.RWMutex
	procs map[string]ProcedureFunc

	calls atomic.Int64
}

// NewEngine creates an engine with bulkUpload and bulkDelete registered.
func NewEngine(store *Store, opts EngineOptions) *Engine {
	if opts.MaxUploadPerCall <= 0 {
		opts.MaxUploadPerCall = DefaultMaxUploadPerCall
	}
	if opts.MaxDeletePerCall <= 0 {
		opts.MaxDeletePerCall = DefaultMaxDeletePerCall
	}
	e := &Engine{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		procs:  make(map[string]ProcedureFunc),
	}
	e.Register(ProcedureBulkUpload, e.bulkUpload)
	e.Register(ProcedureBulkDelete, e.bulkDelete)
	return e
}

// Register adds or replaces a procedure.
func (e *Engine) Register(name string, fn ProcedureFunc) {
	e.mu.Lock()
	e.procs[name] = fn
	e.mu.Unlock()
}

// Procedures lists the registered procedure names.
func (e *Engine) Procedures() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.procs))
	for name := range e.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs call and always returns a response; failures are reported in
// it rather than as an error.
func (e *Engine) Execute(ctx context.Context, call *protocol.ProcedureCall) *protocol.Response {
	n := e.calls.Add(1)
	logger := e.logger.With().
		Str("procedure", call.Procedure).
		Str("partition_key", call.PartitionKey).
		Str("activity_id", call.ActivityID).
		Logger()

	e.mu.RLock()
	fn, ok := e.procs[call.Procedure]
	e.mu.RUnlock()
	if !ok {
		logger.Warn().Msg("unknown procedure")
		te := protocol.ProcedureNotFoundError(call.Procedure)
		return failure(call, http.StatusNotFound, te.Code, te.Message, te.Details)
	}

	if e.opts.ThrottleEvery > 0 && n%int64(e.opts.ThrottleEvery) == 0 {
		logger.Debug().Int64("call", n).Msg("throttling call")
		return failure(call, http.StatusTooManyRequests, protocol.ErrorCodeThrottled, "request rate is large", nil)
	}

	result, err := fn(ctx, e.store, call)
	if err != nil {
		status, code := http.StatusInternalServerError, protocol.ErrorCodeProcedureFailed
		var se *StatusError
		switch {
		case errors.As(err, &se):
			status, code = se.Status, se.Code
		case errors.Is(err, ErrConflict):
			status, code = http.StatusConflict, protocol.ErrorCodeConflict
		case errors.Is(err, ErrMissingID):
			status = http.StatusBadRequest
		}
		logger.Warn().Err(err).Int("status", status).Msg("procedure failed")
		return failure(call, status, code, err.Error(), nil)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return failure(call, http.StatusInternalServerError, protocol.ErrorCodeProcedureFailed, err.Error(), nil)
	}
	logger.Debug().RawJSON("result", data).Msg("procedure completed")
	return &protocol.Response{
		Success:    true,
		StatusCode: http.StatusOK,
		ActivityID: call.ActivityID,
		Data:       data,
	}
}

func failure(call *protocol.ProcedureCall, status int, code protocol.ErrorCode, msg string, details map[string]interface{}) *protocol.Response {
	return &protocol.Response{
		Success:    false,
		StatusCode: status,
		ActivityID: call.ActivityID,
		Error:      msg,
		Code:       code,
		Details:    details,
	}
}

func partitionOf(call *protocol.ProcedureCall) Partition {
	return Partition{Database: call.Database, Container: call.Container, Key: call.PartitionKey}
}

// bulkUpload inserts the documents of its single array argument, at most
// MaxUploadPerCall of them, and returns how many it wrote as a decimal string.
func (e *Engine) bulkUpload(ctx context.Context, store *Store, call *protocol.ProcedureCall) (interface{}, error) {
	if len(call.Args) != 1 {
		return nil, badRequest("%s expects 1 argument, got %d", call.Procedure, len(call.Args))
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(call.Args[0], &docs); err != nil {
		return nil, badRequest("%s expects an array of documents: %v", call.Procedure, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := store.Insert(partitionOf(call), docs, e.opts.MaxUploadPerCall)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("%d", n), nil
}

// bulkDelete removes documents selected by its query argument, at most
// MaxDeletePerCall of them, and reports whether more remain.
func (e *Engine) bulkDelete(ctx context.Context, store *Store, call *protocol.ProcedureCall) (interface{}, error) {
	if len(call.Args) != 1 {
		return nil, badRequest("%s expects 1 argument, got %d", call.Procedure, len(call.Args))
	}
	var query string
	if err := json.Unmarshal(call.Args[0], &query); err != nil {
		return nil, badRequest("%s expects a query string: %v", call.Procedure, err)
	}
	filter, err := ParseQuery(query)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deleted, more, err := store.DeleteMatching(partitionOf(call), filter, e.opts.MaxDeletePerCall)
	if err != nil {
		return nil, err
	}
	return food.DeleteStatus{Deleted: deleted, Continuation: more}, nil
}
