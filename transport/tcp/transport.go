package tcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
	"github.com/dan-strohschein/syndrdb-bulkload/transport"
)

// HandshakeFunc runs once on every freshly dialed connection, before the
// connection joins the pool. It talks to the server through roundTrip.
type HandshakeFunc func(ctx context.Context, roundTrip func(ctx context.Context, data []byte) ([]byte, error)) error

// TCPTransportOptions configures the TCP transport
type TCPTransportOptions struct {
	// Address is the server address (host:port)
	Address string

	// Timeout for dialing and for pool initialization
	Timeout time.Duration

	// TLS configuration
	UseTLS     bool
	CAPath     string
	CertPath   string
	KeyPath    string
	SkipVerify bool

	// Pool configuration
	PoolSize        int
	PoolMinSize     int
	PoolIdleTimeout time.Duration

	// Health check interval
	HealthCheckInterval time.Duration

	// Handshake authenticates new connections. Optional.
	Handshake HandshakeFunc
}

// TCPTransport implements transport.Transport for native TCP connections
type TCPTransport struct {
	opts    TCPTransportOptions
	pool    *connectionPool
	metrics transportMetrics
}

// transportMetrics tracks transport performance
type transportMetrics struct {
	totalRequests      atomic.Int64
	totalErrors        atomic.Int64
	bytesSent          atomic.Int64
	bytesReceived      atomic.Int64
	connectionsCreated atomic.Int64
	lastError          error
	lastErrorTime      time.Time
	latencySum         atomic.Int64 // nanoseconds
	mu                 sync.RWMutex
}

// NewTCPTransport creates a new TCP transport with connection pooling
func NewTCPTransport(ctx context.Context, opts TCPTransportOptions) (*TCPTransport, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 4
	}
	if opts.PoolMinSize == 0 {
		opts.PoolMinSize = 1
	}
	if opts.PoolIdleTimeout == 0 {
		opts.PoolIdleTimeout = 5 * time.Minute
	}
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}

	t := &TCPTransport{opts: opts}

	factory := func(ctx context.Context) (*tcpConnection, error) {
		return t.createConnection(ctx)
	}
	t.pool = newConnectionPool(factory, opts.PoolMinSize, opts.PoolSize, opts.PoolIdleTimeout, opts.HealthCheckInterval)

	initCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := t.pool.Initialize(initCtx); err != nil {
		return nil, fmt.Errorf("failed to initialize connection pool: %w", err)
	}

	return t, nil
}

// RoundTrip implements transport.Transport
func (t *TCPTransport) RoundTrip(ctx context.Context, data []byte) ([]byte, error) {
	start := time.Now()
	t.metrics.totalRequests.Add(1)

	conn, err := t.pool.Get(ctx)
	if err != nil {
		t.recordError(err)
		return nil, err
	}

	resp, err := conn.roundTrip(ctx, data)
	if err != nil {
		// Connection state is unknown after a failed exchange, don't return to pool
		t.pool.Discard(conn)
		t.recordError(err)
		return nil, err
	}

	t.metrics.bytesSent.Add(int64(len(data)))
	t.metrics.bytesReceived.Add(int64(len(resp)))
	t.recordLatency(time.Since(start))

	t.pool.Put(conn)
	return resp, nil
}

// Close implements transport.Transport
func (t *TCPTransport) Close() error {
	return t.pool.Close()
}

// IsHealthy implements transport.Transport
func (t *TCPTransport) IsHealthy() bool {
	return !t.pool.isClosed() && t.pool.stats.totalConnections.Load() > 0
}

// GetMetrics implements transport.Transport
func (t *TCPTransport) GetMetrics() transport.TransportMetrics {
	t.metrics.mu.RLock()
	lastErr := t.metrics.lastError
	lastErrTime := t.metrics.lastErrorTime
	t.metrics.mu.RUnlock()

	totalReqs := t.metrics.totalRequests.Load()
	avgLatency := time.Duration(0)
	if totalReqs > 0 {
		avgLatency = time.Duration(t.metrics.latencySum.Load() / totalReqs)
	}

	return transport.TransportMetrics{
		TotalRequests:      totalReqs,
		TotalErrors:        t.metrics.totalErrors.Load(),
		AverageLatency:     avgLatency,
		LastError:          lastErr,
		LastErrorTime:      lastErrTime,
		BytesSent:          t.metrics.bytesSent.Load(),
		BytesReceived:      t.metrics.bytesReceived.Load(),
		ConnectionsCreated: t.metrics.connectionsCreated.Load(),
		ConnectionsActive:  int(t.pool.stats.activeConnections.Load()),
	}
}

// createConnection dials, optionally upgrades to TLS, and runs the handshake
func (t *TCPTransport) createConnection(ctx context.Context) (*tcpConnection, error) {
	t.metrics.connectionsCreated.Add(1)

	dialer := net.Dialer{Timeout: t.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.opts.Address)
	if err != nil {
		return nil, protocol.ConnectionError(fmt.Sprintf("failed to connect to %s", t.opts.Address), map[string]interface{}{
			"address": t.opts.Address,
			"timeout": t.opts.Timeout.String(),
			"error":   err.Error(),
		})
	}

	if t.opts.UseTLS {
		tlsConfig, err := t.buildTLSConfig()
		if err != nil {
			conn.Close()
			return nil, err
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()
			return nil, protocol.ConnectionError("TLS handshake failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		conn = tlsConn
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	scanner.Split(splitAtEOT)

	c := &tcpConnection{
		conn:         conn,
		scanner:      scanner,
		lastActivity: time.Now(),
		alive:        true,
	}

	if t.opts.Handshake != nil {
		if err := t.opts.Handshake(ctx, c.roundTrip); err != nil {
			c.close()
			return nil, err
		}
	}

	return c, nil
}

// buildTLSConfig creates a TLS configuration
func (t *TCPTransport) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: t.opts.SkipVerify,
	}

	serverName := t.opts.Address
	if idx := strings.LastIndex(t.opts.Address, ":"); idx >= 0 {
		serverName = t.opts.Address[:idx]
	}
	tlsConfig.ServerName = serverName

	if t.opts.CAPath != "" {
		caCert, err := os.ReadFile(t.opts.CAPath)
		if err != nil {
			return nil, protocol.ConnectionError("failed to load CA certificate", map[string]interface{}{
				"caPath": t.opts.CAPath,
				"error":  err.Error(),
			})
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, protocol.ConnectionError("failed to parse CA certificate", map[string]interface{}{
				"caPath": t.opts.CAPath,
			})
		}
		tlsConfig.RootCAs = pool
	}

	if t.opts.CertPath != "" && t.opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(t.opts.CertPath, t.opts.KeyPath)
		if err != nil {
			return nil, protocol.ConnectionError("failed to load TLS certificate", map[string]interface{}{
				"certPath": t.opts.CertPath,
				"keyPath":  t.opts.KeyPath,
				"error":    err.Error(),
			})
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// recordError records an error in metrics
func (t *TCPTransport) recordError(err error) {
	t.metrics.totalErrors.Add(1)
	t.metrics.mu.Lock()
	t.metrics.lastError = err
	t.metrics.lastErrorTime = time.Now()
	t.metrics.mu.Unlock()
}

// recordLatency records latency in metrics
func (t *TCPTransport) recordLatency(latency time.Duration) {
	t.metrics.latencySum.Add(int64(latency))
}

// maxMessageSize bounds a single framed message. Bulk uploads of a few thousand
// documents fit comfortably.
const maxMessageSize = 16 * 1024 * 1024

// splitAtEOT is a scanner split function that splits on EOT (0x04)
func splitAtEOT(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, protocol.EOT); i >= 0 {
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}

// tcpConnection represents a single TCP connection
type tcpConnection struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	lastActivity time.Time
	alive        bool
	mu           sync.RWMutex
}

// roundTrip writes one request and reads one response
func (c *tcpConnection) roundTrip(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.write(ctx, data); err != nil {
		return nil, err
	}
	return c.read(ctx)
}

// write sends data to the connection
func (c *tcpConnection) write(ctx context.Context, data []byte) error {
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}

	if _, err := c.conn.Write(data); err != nil {
		c.markDead()
		return err
	}

	c.updateActivity()
	return nil
}

// read reads one EOT-terminated message from the connection
func (c *tcpConnection) read(ctx context.Context) ([]byte, error) {
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}

	if !c.scanner.Scan() {
		c.markDead()
		if err := c.scanner.Err(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, protocol.TimeoutError("read timed out", map[string]interface{}{
					"remoteAddr": c.conn.RemoteAddr().String(),
				})
			}
			return nil, err
		}
		return nil, protocol.ConnectionError("connection closed by server", nil)
	}

	data := c.scanner.Bytes()
	c.updateActivity()

	// Return a copy since scanner reuses the buffer
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// applyDeadline mirrors the context deadline onto the socket, clearing any
// previous deadline when ctx has none
func (c *tcpConnection) applyDeadline(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	return c.conn.SetDeadline(deadline)
}

// close closes the connection
func (c *tcpConnection) close() error {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// isAlive checks if the connection is alive
func (c *tcpConnection) isAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// lastActivityTime returns the last activity time
func (c *tcpConnection) lastActivityTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// updateActivity updates the last activity timestamp
func (c *tcpConnection) updateActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// markDead marks the connection as dead
func (c *tcpConnection) markDead() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}
