package tcp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// poolStats tracks connection pool statistics
type poolStats struct {
	activeConnections atomic.Int32
	idleConnections   atomic.Int32
	totalConnections  atomic.Int32
	waitCount         atomic.Int64
	hits              atomic.Int64
	misses            atomic.Int64
	timeouts          atomic.Int64
	errors            atomic.Int64
}

// connectionPool manages a pool of TCP connections
type connectionPool struct {
	conns               chan *tcpConnection
	factory             func(ctx context.Context) (*tcpConnection, error)
	minIdle             int
	maxOpen             int
	idleTimeout         time.Duration
	healthCheckInterval time.Duration
	stats               poolStats
	stopCh              chan struct{}
	wg                  sync.WaitGroup
	mu                  sync.RWMutex
	closed              bool
}

// newConnectionPool creates a new connection pool
func newConnectionPool(
	factory func(ctx context.Context) (*tcpConnection, error),
	minIdle, maxOpen int,
	idleTimeout, healthCheckInterval time.Duration,
) *connectionPool {
	if minIdle < 0 {
		minIdle = 0
	}
	if maxOpen < 1 {
		maxOpen = 1
	}
	if minIdle > maxOpen {
		minIdle = maxOpen
	}

	return &connectionPool{
		conns:               make(chan *tcpConnection, maxOpen),
		factory:             factory,
		minIdle:             minIdle,
		maxOpen:             maxOpen,
		idleTimeout:         idleTimeout,
		healthCheckInterval: healthCheckInterval,
		stopCh:              make(chan struct{}),
	}
}

// Initialize creates the minimum idle connections and starts background workers
func (p *connectionPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pool is closed")
	}

	for i := 0; i < p.minIdle; i++ {
		conn, err := p.factory(ctx)
		if err != nil {
			p.closed = true
			close(p.stopCh)
			p.drainLocked()
			return fmt.Errorf("failed to create initial connection: %w", err)
		}

		p.conns <- conn
		p.stats.totalConnections.Add(1)
		p.stats.idleConnections.Add(1)
	}

	p.wg.Add(2)
	go p.cleanupWorker()
	go p.healthCheckWorker()

	return nil
}

// Get acquires a connection from the pool, dialing a new one when the pool
// has room and no idle connection is ready
func (p *connectionPool) Get(ctx context.Context) (*tcpConnection, error) {
	for {
		if p.isClosed() {
			return nil, fmt.Errorf("pool is closed")
		}

		p.stats.waitCount.Add(1)

		select {
		case <-ctx.Done():
			p.stats.timeouts.Add(1)
			return nil, ctx.Err()

		case conn, ok := <-p.conns:
			if !ok {
				return nil, fmt.Errorf("pool is closed")
			}
			p.stats.hits.Add(1)
			if conn, ok := p.checkout(conn); ok {
				return conn, nil
			}
			continue

		default:
		}

		if p.stats.totalConnections.Add(1) <= int32(p.maxOpen) {
			conn, err := p.factory(ctx)
			if err != nil {
				p.stats.totalConnections.Add(-1)
				p.stats.errors.Add(1)
				return nil, fmt.Errorf("failed to create new connection: %w", err)
			}
			p.stats.misses.Add(1)
			p.stats.activeConnections.Add(1)
			return conn, nil
		}
		p.stats.totalConnections.Add(-1)

		// Pool is full, wait for a connection
		p.stats.misses.Add(1)
		select {
		case <-ctx.Done():
			p.stats.timeouts.Add(1)
			return nil, ctx.Err()
		case conn, ok := <-p.conns:
			if !ok {
				return nil, fmt.Errorf("pool is closed")
			}
			if conn, ok := p.checkout(conn); ok {
				return conn, nil
			}
		}
	}
}

// checkout moves an idle connection to active, closing it if it died while idle
func (p *connectionPool) checkout(conn *tcpConnection) (*tcpConnection, bool) {
	p.stats.idleConnections.Add(-1)
	if !conn.isAlive() {
		p.stats.totalConnections.Add(-1)
		conn.close()
		return nil, false
	}
	p.stats.activeConnections.Add(1)
	return conn, true
}

// Put returns a connection to the pool
func (p *connectionPool) Put(conn *tcpConnection) {
	if conn == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	p.stats.activeConnections.Add(-1)

	if p.closed || !conn.isAlive() {
		p.stats.totalConnections.Add(-1)
		conn.close()
		return
	}

	select {
	case p.conns <- conn:
		p.stats.idleConnections.Add(1)
	default:
		p.stats.totalConnections.Add(-1)
		conn.close()
	}
}

// Discard closes an active connection without returning it to the pool
func (p *connectionPool) Discard(conn *tcpConnection) {
	if conn == nil {
		return
	}
	p.stats.activeConnections.Add(-1)
	p.stats.totalConnections.Add(-1)
	conn.close()
}

// Close closes the pool and all idle connections
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.drainLocked()
	p.mu.Unlock()

	return nil
}

func (p *connectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// drainLocked closes the idle channel and every connection parked in it
func (p *connectionPool) drainLocked() {
	close(p.conns)
	for conn := range p.conns {
		conn.close()
		p.stats.totalConnections.Add(-1)
		p.stats.idleConnections.Add(-1)
	}
}

// cleanupWorker periodically removes idle connections
func (p *connectionPool) cleanupWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupIdleConnections()
		}
	}
}

// cleanupIdleConnections removes connections that have been idle too long
func (p *connectionPool) cleanupIdleConnections() {
	now := time.Now()
	toRemove := int(p.stats.idleConnections.Load()) - p.minIdle
	if toRemove <= 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	for i := 0; i < toRemove; i++ {
		select {
		case conn := <-p.conns:
			if now.Sub(conn.lastActivityTime()) > p.idleTimeout {
				conn.close()
				p.stats.totalConnections.Add(-1)
				p.stats.idleConnections.Add(-1)
				continue
			}
			p.requeue(conn)
		default:
			return
		}
	}
}

// healthCheckWorker periodically checks connection health
func (p *connectionPool) healthCheckWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthCheckConnections()
		}
	}
}

// healthCheckConnections drops idle connections that were marked dead
func (p *connectionPool) healthCheckConnections() {
	currentIdle := int(p.stats.idleConnections.Load())
	if currentIdle == 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	// Check up to half of idle connections to avoid blocking
	toCheck := currentIdle / 2
	if toCheck < 1 {
		toCheck = 1
	}

	for i := 0; i < toCheck; i++ {
		select {
		case conn := <-p.conns:
			if !conn.isAlive() {
				conn.close()
				p.stats.totalConnections.Add(-1)
				p.stats.idleConnections.Add(-1)
				continue
			}
			p.requeue(conn)
		default:
			return
		}
	}
}

// requeue puts a checked idle connection back; caller holds p.mu.RLock
func (p *connectionPool) requeue(conn *tcpConnection) {
	select {
	case p.conns <- conn:
	default:
		conn.close()
		p.stats.totalConnections.Add(-1)
		p.stats.idleConnections.Add(-1)
	}
}
