package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// LoggingHook - Logs procedure calls
// ============================================================================

// LoggingHook logs every procedure call with its status code and activity id.
type LoggingHook struct {
	logger     zerolog.Logger
	logBodies  bool // Log response bodies
	logStarted bool // Log a line before the call is sent
}

// NewLoggingHook creates a new logging hook with the given logger.
func NewLoggingHook(logger zerolog.Logger, logStarted, logBodies bool) *LoggingHook {
	return &LoggingHook{
		logger:     logger,
		logBodies:  logBodies,
		logStarted: logStarted,
	}
}

func (h *LoggingHook) Name() string {
	return "logging"
}

func (h *LoggingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	if h.logStarted {
		h.logger.Debug().
			Str("procedure", hookCtx.Call.Procedure).
			Str("partition_key", hookCtx.Call.PartitionKey).
			Str("activity_id", hookCtx.Call.ActivityID).
			Int("args", len(hookCtx.Call.Args)).
			Msg("calling procedure")
	}
	return nil
}

func (h *LoggingHook) After(ctx context.Context, hookCtx *HookContext) error {
	if hookCtx.Error != nil {
		event := h.logger.Error().
			Str("procedure", hookCtx.Call.Procedure).
			Str("activity_id", hookCtx.Call.ActivityID).
			Dur("duration", hookCtx.Duration).
			Err(hookCtx.Error)
		var pe *ProcedureError
		if errors.As(hookCtx.Error, &pe) {
			event = event.Int("status", pe.StatusCode)
		}
		event.Msg("procedure failed")
		return nil
	}

	event := h.logger.Debug().
		Str("procedure", hookCtx.Call.Procedure).
		Str("activity_id", hookCtx.Response.ActivityID).
		Int("status", hookCtx.Response.StatusCode).
		Dur("duration", hookCtx.Duration)
	if h.logBodies {
		event = event.Str("body", hookCtx.Response.Body)
	}
	event.Msg("procedure completed")
	return nil
}

// ============================================================================
// MetricsHook - Collects call metrics
// ============================================================================

// MetricsHook counts procedure calls and the status codes they returned.
type MetricsHook struct {
	TotalCalls      atomic.Uint64
	TotalErrors     atomic.Uint64
	TotalDurationNs atomic.Uint64

	mu       sync.Mutex
	statuses map[int]uint64
	perProc  map[string]uint64
}

// NewMetricsHook creates a new metrics collection hook.
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{
		statuses: make(map[int]uint64),
		perProc:  make(map[string]uint64),
	}
}

func (h *MetricsHook) Name() string {
	return "metrics"
}

func (h *MetricsHook) Before(ctx context.Context, hookCtx *HookContext) error {
	return nil
}

func (h *MetricsHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.TotalCalls.Add(1)
	h.TotalDurationNs.Add(uint64(hookCtx.Duration.Nanoseconds()))

	status := 0
	switch {
	case hookCtx.Response != nil:
		status = hookCtx.Response.StatusCode
	case hookCtx.Error != nil:
		var pe *ProcedureError
		if errors.As(hookCtx.Error, &pe) {
			status = pe.StatusCode
		}
	}
	if hookCtx.Error != nil {
		h.TotalErrors.Add(1)
	}

	h.mu.Lock()
	h.perProc[hookCtx.Call.Procedure]++
	if status != 0 {
		h.statuses[status]++
	}
	h.mu.Unlock()
	return nil
}

// CallStats is a snapshot of MetricsHook counters.
type CallStats struct {
	Calls           uint64
	Errors          uint64
	AverageDuration time.Duration
	StatusCodes     map[int]uint64
	Procedures      map[string]uint64
}

// GetStats returns a snapshot of the current metrics.
func (h *MetricsHook) GetStats() CallStats {
	calls := h.TotalCalls.Load()
	stats := CallStats{
		Calls:       calls,
		Errors:      h.TotalErrors.Load(),
		StatusCodes: make(map[int]uint64),
		Procedures:  make(map[string]uint64),
	}
	if calls > 0 {
		stats.AverageDuration = time.Duration(h.TotalDurationNs.Load() / calls)
	}

	h.mu.Lock()
	for code, n := range h.statuses {
		stats.StatusCodes[code] = n
	}
	for name, n := range h.perProc {
		stats.Procedures[name] = n
	}
	h.mu.Unlock()
	return stats
}

// SortedStatusCodes returns the observed status codes in ascending order.
func (s CallStats) SortedStatusCodes() []int {
	codes := make([]int, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Reset clears all metrics.
func (h *MetricsHook) Reset() {
	h.TotalCalls.Store(0)
	h.TotalErrors.Store(0)
	h.TotalDurationNs.Store(0)
	h.mu.Lock()
	h.statuses = make(map[int]uint64)
	h.perProc = make(map[string]uint64)
	h.mu.Unlock()
}
