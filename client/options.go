package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Consistency levels a session can request.
const (
	ConsistencyEventual = "eventual"
	ConsistencySession  = "session"
	ConsistencyStrong   = "strong"
)

// Options configures the client behavior.
type Options struct {
	// Key authenticates the session during CONNECT.
	Key string

	// Consistency is one of eventual, session or strong.
	// Default: eventual
	Consistency string

	// Timeout bounds each procedure call that carries no deadline of its own.
	// Default: 30s
	Timeout time.Duration

	// DialTimeout bounds dialing and pool initialization in Dial.
	// Default: 10s
	DialTimeout time.Duration

	// MaxRetries is the number of additional dial attempts Dial makes.
	// Uses exponential backoff: 100ms, 200ms, 400ms, etc.
	// Default: 3
	MaxRetries int

	// PoolMinSize is the minimum number of idle connections to maintain.
	// Default: 1
	PoolMinSize int

	// PoolMaxSize is the maximum number of open connections.
	// Default: 4
	PoolMaxSize int

	// PoolIdleTimeout is the duration after which idle connections are closed.
	// Default: 5m
	PoolIdleTimeout time.Duration

	// HealthCheckInterval is how often idle connections are checked.
	// Default: 30s
	HealthCheckInterval time.Duration

	TLSEnabled            bool
	TLSInsecureSkipVerify bool
	TLSCAFile             string
	TLSCertFile           string
	TLSKeyFile            string

	// DebugMode makes Client.FormatError emit the verbose JSON form.
	DebugMode bool

	// ClientName is announced to the server during CONNECT.
	// Default: "bulkload/" + Version
	ClientName string

	// Logger receives client diagnostics. The zero value discards them.
	Logger zerolog.Logger
}

// DefaultOptions returns Options with default values.
func DefaultOptions() Options {
	return Options{
		Consistency:         ConsistencyEventual,
		Timeout:             30 * time.Second,
		DialTimeout:         10 * time.Second,
		MaxRetries:          3,
		PoolMinSize:         1,
		PoolMaxSize:         4,
		PoolIdleTimeout:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		Logger:              zerolog.Nop(),
	}
}

// Validate checks option values that cannot be defaulted.
func (o Options) Validate() error {
	switch strings.ToLower(o.Consistency) {
	case "", ConsistencyEventual, ConsistencySession, ConsistencyStrong:
	default:
		return fmt.Errorf("unknown consistency level %q", o.Consistency)
	}
	if o.Timeout < 0 || o.DialTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if o.PoolMaxSize > 0 && o.PoolMinSize > o.PoolMaxSize {
		return fmt.Errorf("pool min size %d exceeds max size %d", o.PoolMinSize, o.PoolMaxSize)
	}
	if o.TLSEnabled && (o.TLSCertFile == "") != (o.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key files must be set together")
	}
	return nil
}

// withDefaults fills zero values from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Consistency == "" {
		o.Consistency = d.Consistency
	}
	o.Consistency = strings.ToLower(o.Consistency)
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.PoolMinSize == 0 {
		o.PoolMinSize = d.PoolMinSize
	}
	if o.PoolMaxSize == 0 {
		o.PoolMaxSize = d.PoolMaxSize
	}
	if o.PoolIdleTimeout == 0 {
		o.PoolIdleTimeout = d.PoolIdleTimeout
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.ClientName == "" {
		o.ClientName = "bulkload/" + Version
	}
	return o
}
