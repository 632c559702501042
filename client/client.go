package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
	"github.com/dan-strohschein/syndrdb-bulkload/transport"
	"github.com/dan-strohschein/syndrdb-bulkload/transport/tcp"
)

// Client executes stored procedures against a document store over a Transport.
type Client struct {
	transport     transport.Transport
	codec         protocol.Codec
	opts          Options
	stateMgr      *StateManager
	logger        zerolog.Logger
	debugMode     atomic.Bool
	serverVersion atomic.Value // string

	hooks   []hookEntry  // Registered hooks in execution order
	hooksMu sync.RWMutex // Protects hooks slice
}

// New creates a client on top of an existing transport. Call Connect before use.
func New(t transport.Transport, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		transport: t,
		codec:     protocol.NewCodec(),
		opts:      opts,
		stateMgr:  NewStateManager(),
		logger:    opts.Logger.With().Str("component", "client").Logger(),
	}
	c.debugMode.Store(opts.DebugMode)
	c.serverVersion.Store("")
	return c
}

// Dial opens a pooled TCP transport to address and returns a connected client.
// Every pooled connection runs the version handshake and CONNECT before use.
// Failed attempts are retried with exponential backoff up to opts.MaxRetries times.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, &ConnectionError{
			Code:    "INVALID_OPTIONS",
			Type:    "CONNECTION_ERROR",
			Message: err.Error(),
			Details: map[string]interface{}{"address": address},
		}
	}

	c := New(nil, opts)

	if err := c.stateMgr.TransitionTo(CONNECTING, "user_initiated", nil); err != nil {
		return nil, err
	}
	c.logger.Info().Str("address", address).Int("pool_max", c.opts.PoolMaxSize).Msg("connecting")

	tcpOpts := tcp.TCPTransportOptions{
		Address:             address,
		Timeout:             c.opts.DialTimeout,
		UseTLS:              c.opts.TLSEnabled,
		CAPath:              c.opts.TLSCAFile,
		CertPath:            c.opts.TLSCertFile,
		KeyPath:             c.opts.TLSKeyFile,
		SkipVerify:          c.opts.TLSInsecureSkipVerify,
		PoolSize:            c.opts.PoolMaxSize,
		PoolMinSize:         c.opts.PoolMinSize,
		PoolIdleTimeout:     c.opts.PoolIdleTimeout,
		HealthCheckInterval: c.opts.HealthCheckInterval,
		Handshake:           c.handshake,
	}
	if c.opts.TLSInsecureSkipVerify {
		c.logger.Warn().Msg("TLS certificate verification disabled - USE ONLY FOR TESTING")
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.stateMgr.TransitionTo(DISCONNECTED, "context_cancelled", ctx.Err())
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		t, err := tcp.NewTCPTransport(ctx, tcpOpts)
		if err == nil {
			c.transport = t
			c.stateMgr.TransitionTo(CONNECTED, "user_initiated", nil)
			c.logger.Info().
				Str("address", address).
				Str("server_version", c.ServerVersion()).
				Str("consistency", c.opts.Consistency).
				Msg("connected")
			return c, nil
		}

		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("connection attempt failed")

		var ce *ConnectionError
		if errors.As(err, &ce) && (ce.Code == "AUTH_FAILED" || ce.Code == "VERSION_UNSUPPORTED") {
			break
		}
	}

	c.logger.Error().Err(lastErr).Msg("all connection attempts failed")
	c.stateMgr.TransitionTo(DISCONNECTED, "dial_failed", lastErr)
	return nil, lastErr
}

// Connect runs the version handshake and CONNECT over the client's transport.
// Clients returned by Dial are already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.transport == nil {
		return &ConnectionError{
			Code:    "NO_TRANSPORT",
			Type:    "CONNECTION_ERROR",
			Message: "client has no transport",
		}
	}
	if err := c.stateMgr.TransitionTo(CONNECTING, "user_initiated", nil); err != nil {
		return err
	}

	if err := c.handshake(ctx, c.transport.RoundTrip); err != nil {
		c.logger.Error().Err(err).Msg("handshake failed")
		c.stateMgr.TransitionTo(DISCONNECTED, "handshake_failed", err)
		return err
	}

	c.stateMgr.TransitionTo(CONNECTED, "user_initiated", nil)
	c.logger.Info().
		Str("server_version", c.ServerVersion()).
		Str("consistency", c.opts.Consistency).
		Msg("connected")
	return nil
}

// handshake negotiates the protocol version and authenticates one connection.
func (c *Client) handshake(ctx context.Context, roundTrip func(ctx context.Context, data []byte) ([]byte, error)) error {
	reply, err := roundTrip(ctx, c.codec.EncodeVersionHandshake())
	if err != nil {
		return c.connectionError("HANDSHAKE_FAILED", "version handshake failed", err)
	}
	version, err := c.codec.DecodeVersionResponse(reply)
	if err != nil {
		return c.connectionError("HANDSHAKE_FAILED", "version handshake rejected", err)
	}
	if err := protocol.CheckServerVersion(version); err != nil {
		return c.connectionError("VERSION_UNSUPPORTED", fmt.Sprintf("server version %s is not supported", version), err)
	}
	c.serverVersion.Store(version)

	req, err := protocol.EncodeConnect(c.codec, protocol.ConnectRequest{
		Key:         c.opts.Key,
		Consistency: c.opts.Consistency,
		Client:      c.opts.ClientName,
	})
	if err != nil {
		return c.connectionError("HANDSHAKE_FAILED", "encode connect request", err)
	}
	reply, err = roundTrip(ctx, req)
	if err != nil {
		return c.connectionError("HANDSHAKE_FAILED", "connect request failed", err)
	}
	resp, err := c.codec.Decode(reply)
	if err != nil {
		return c.connectionError("HANDSHAKE_FAILED", "decode connect response", err)
	}
	if !resp.Success {
		message := resp.Error
		if message == "" {
			message = "unknown error"
		}
		ce := c.connectionError("AUTH_FAILED", "authentication failed: "+message, nil)
		ce.Details["statusCode"] = resp.StatusCode
		return ce
	}
	return nil
}

func (c *Client) connectionError(code, message string, cause error) *ConnectionError {
	ce := &ConnectionError{
		Code:      code,
		Type:      "CONNECTION_ERROR",
		Message:   message,
		Details:   map[string]interface{}{},
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if c.IsDebugMode() {
		ce.StackTrace = captureStackTrace()
	}
	return ce
}

// Close closes the transport. Closing a disconnected client is a no-op.
func (c *Client) Close() error {
	switch state := c.stateMgr.GetState(); state {
	case DISCONNECTED:
		return nil
	case CONNECTED:
	default:
		return ErrInvalidState("Close", CONNECTED, state)
	}

	if err := c.stateMgr.TransitionTo(DISCONNECTING, "user_initiated", nil); err != nil {
		return err
	}
	err := c.transport.Close()
	c.stateMgr.TransitionTo(DISCONNECTED, "user_initiated", err)
	c.logger.Info().Msg("disconnected")
	return err
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	return c.stateMgr.GetState()
}

// OnStateChange registers a handler for connection state transitions.
func (c *Client) OnStateChange(handler StateChangeHandler) {
	c.stateMgr.OnStateChange(handler)
}

// ServerVersion returns the version the server announced during the handshake.
func (c *Client) ServerVersion() string {
	return c.serverVersion.Load().(string)
}

// Ping checks that the server answers on the transport.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.stateMgr.Require("Ping", CONNECTED); err != nil {
		return err
	}
	reply, err := c.transport.RoundTrip(ctx, c.codec.Encode(protocol.CommandPing, nil))
	if err != nil {
		return err
	}
	resp, err := c.codec.Decode(reply)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &ProtocolError{
			Code:    "PING_FAILED",
			Type:    "PROTOCOL_ERROR",
			Message: resp.Error,
		}
	}
	return nil
}

// Container returns a handle addressing one container of one database.
func (c *Client) Container(database, name string) *Container {
	return &Container{client: c, database: database, name: name}
}

// Container addresses procedures stored in a single container.
type Container struct {
	client   *Client
	database string
	name     string
}

// Database returns the database the container lives in.
func (ct *Container) Database() string { return ct.database }

// Name returns the container name.
func (ct *Container) Name() string { return ct.name }

// ProcedureResponse is a successful stored procedure invocation.
type ProcedureResponse struct {
	StatusCode int
	ActivityID string
	// Body is the procedure's return value. String results are unquoted,
	// anything else is the raw JSON text.
	Body     string
	Duration time.Duration
}

// ExecuteProcedure runs a stored procedure scoped to partitionKey. Each arg is
// JSON-encoded as one positional procedure argument.
func (ct *Container) ExecuteProcedure(ctx context.Context, procedure, partitionKey string, args ...any) (*ProcedureResponse, error) {
	c := ct.client
	if err := c.stateMgr.Require("ExecuteProcedure", CONNECTED); err != nil {
		return nil, err
	}

	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, &ProtocolError{
				Code:    "ARGUMENT_ENCODING_FAILED",
				Type:    "PROTOCOL_ERROR",
				Message: fmt.Sprintf("argument %d of %s cannot be encoded", i, procedure),
				Cause:   err,
			}
		}
		encoded[i] = b
	}

	call := protocol.ProcedureCall{
		Database:     ct.database,
		Container:    ct.name,
		Procedure:    procedure,
		PartitionKey: partitionKey,
		Args:         encoded,
		ActivityID:   ulid.Make().String(),
	}

	hookCtx := &HookContext{
		Call:      call,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
	if err := c.executeBeforeHooks(ctx, hookCtx); err != nil {
		return nil, err
	}

	resp, err := c.execute(ctx, hookCtx.Call)

	hookCtx.Response = resp
	hookCtx.Error = err
	hookCtx.Duration = time.Since(hookCtx.StartTime)
	if hookErr := c.executeAfterHooks(ctx, hookCtx); hookErr != nil {
		return nil, hookErr
	}
	return resp, err
}

func (c *Client) execute(ctx context.Context, call protocol.ProcedureCall) (*ProcedureResponse, error) {
	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := protocol.EncodeProcedureCall(c.codec, call)
	if err != nil {
		return nil, &ProtocolError{
			Code:    "ENCODING_FAILED",
			Type:    "PROTOCOL_ERROR",
			Message: err.Error(),
			Cause:   err,
		}
	}

	if c.IsDebugMode() {
		c.logger.Debug().
			Str("procedure", call.Procedure).
			Str("partition_key", call.PartitionKey).
			Str("activity_id", call.ActivityID).
			Int("request_bytes", len(data)).
			Msg("sending procedure call")
	}

	reply, err := c.transport.RoundTrip(ctx, data)
	if err != nil {
		return nil, err
	}

	decoded, err := c.codec.Decode(reply)
	if err != nil {
		return nil, &ProtocolError{
			Code:    "MALFORMED_RESPONSE",
			Type:    "PROTOCOL_ERROR",
			Message: "response cannot be decoded",
			Cause:   err,
		}
	}

	activityID := decoded.ActivityID
	if activityID == "" {
		activityID = call.ActivityID
	}

	if !decoded.Success {
		status := decoded.StatusCode
		if status == 0 {
			status = 500
		}
		message := decoded.Error
		if message == "" {
			message = decoded.Message
		}
		code := decoded.Code
		if code == 0 {
			code = protocol.ErrorCodeProcedureFailed
		}
		return nil, &ProcedureError{
			Procedure:    call.Procedure,
			PartitionKey: call.PartitionKey,
			StatusCode:   status,
			ActivityID:   activityID,
			Message:      message,
			Cause:        protocol.NewTransportError(code, message, decoded.Details),
		}
	}

	status := decoded.StatusCode
	if status == 0 {
		status = 200
	}
	body := bodyText(decoded.Data)
	if len(decoded.Data) == 0 {
		body = decoded.Message
	}

	return &ProcedureResponse{
		StatusCode: status,
		ActivityID: activityID,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func bodyText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}
