package client

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// EnableDebugMode enables verbose request logging and stack traces on errors.
func (c *Client) EnableDebugMode() {
	c.debugMode.Store(true)
	c.logger.Info().Msg("debug mode enabled")
}

// DisableDebugMode disables debug mode.
func (c *Client) DisableDebugMode() {
	c.debugMode.Store(false)
	c.logger.Info().Msg("debug mode disabled")
}

// IsDebugMode returns whether debug mode is currently enabled.
func (c *Client) IsDebugMode() bool {
	return c.debugMode.Load()
}

// FormatError formats err using the client's current debug mode.
func (c *Client) FormatError(err error) string {
	return FormatError(err, c.IsDebugMode())
}

// GetDebugInfo returns a snapshot of client state for debugging.
// The auth key is never included.
func (c *Client) GetDebugInfo() map[string]interface{} {
	info := map[string]interface{}{
		"version":       Version,
		"serverVersion": c.ServerVersion(),
		"state":         c.GetState().String(),
		"debugMode":     c.IsDebugMode(),
		"hooks":         c.GetHooks(),
	}

	if c.transport != nil {
		m := c.transport.GetMetrics()
		transportInfo := map[string]interface{}{
			"healthy":            c.transport.IsHealthy(),
			"totalRequests":      m.TotalRequests,
			"totalErrors":        m.TotalErrors,
			"averageLatency":     m.AverageLatency.String(),
			"bytesSent":          m.BytesSent,
			"bytesReceived":      m.BytesReceived,
			"connectionsCreated": m.ConnectionsCreated,
			"connectionsActive":  m.ConnectionsActive,
		}
		if m.LastError != nil {
			transportInfo["lastError"] = m.LastError.Error()
			transportInfo["lastErrorTime"] = m.LastErrorTime.Format(time.RFC3339Nano)
		}
		info["transport"] = transportInfo
	}

	info["options"] = map[string]interface{}{
		"consistency":         c.opts.Consistency,
		"timeout":             c.opts.Timeout.String(),
		"maxRetries":          c.opts.MaxRetries,
		"poolMinSize":         c.opts.PoolMinSize,
		"poolMaxSize":         c.opts.PoolMaxSize,
		"poolIdleTimeout":     c.opts.PoolIdleTimeout.String(),
		"healthCheckInterval": c.opts.HealthCheckInterval.String(),
		"tlsEnabled":          c.opts.TLSEnabled,
		"clientName":          c.opts.ClientName,
	}

	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (c *Client) DumpDebugInfoJSON() string {
	info := c.GetDebugInfo()
	bytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs) // Skip captureStackTrace, the error constructor, and runtime.Callers

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()

		// Format: function (file:line)
		frames = append(frames, fmt.Sprintf("%s (%s:%d)",
			frame.Function,
			frame.File,
			frame.Line,
		))

		if !more {
			break
		}
	}

	return frames
}
