package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
	"github.com/dan-strohschein/syndrdb-bulkload/transport"
)

// HandlerFunc computes a response for a request. It takes precedence over
// scripted replies when set.
type HandlerFunc func(request []byte) ([]byte, error)

// reply is one scripted outcome of a round trip
type reply struct {
	data []byte
	err  error
}

// MockTransport implements transport.Transport for testing. Replies are
// scripted in order and consumed one per RoundTrip.
type MockTransport struct {
	// Behavior configuration
	replies []reply
	handler HandlerFunc
	err     error
	healthy bool
	delay   time.Duration
	closed  bool
	history [][]byte
	mu      sync.RWMutex

	// Call tracking
	roundTripCalls atomic.Int32
	closeCalls     atomic.Int32

	// Metrics
	metrics mockMetrics
}

type mockMetrics struct {
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		healthy: true,
		history: make([][]byte, 0),
	}
}

// WithResponse queues a successful reply
func (m *MockTransport) WithResponse(data []byte) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply{data: data})
	return m
}

// WithResponses queues several successful replies in order
func (m *MockTransport) WithResponses(data ...[]byte) *MockTransport {
	for _, d := range data {
		m.WithResponse(d)
	}
	return m
}

// WithErrorReply queues a failing reply
func (m *MockTransport) WithErrorReply(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply{err: err})
	return m
}

// WithHandler configures a function that answers every request
func (m *MockTransport) WithHandler(h HandlerFunc) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// WithError configures the transport to fail every round trip
func (m *MockTransport) WithError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithHealthy configures the health status
func (m *MockTransport) WithHealthy(healthy bool) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// WithDelay adds a delay to every round trip
func (m *MockTransport) WithDelay(delay time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
	return m
}

// RoundTrip implements transport.Transport
func (m *MockTransport) RoundTrip(ctx context.Context, data []byte) ([]byte, error) {
	m.roundTripCalls.Add(1)
	m.metrics.totalRequests.Add(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("transport is closed")
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			m.metrics.totalErrors.Add(1)
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	m.history = append(m.history, data)
	m.metrics.bytesSent.Add(int64(len(data)))

	var r reply
	switch {
	case m.err != nil:
		r = reply{err: m.err}
	case m.handler != nil:
		h := m.handler
		m.mu.Unlock()
		resp, err := h(data)
		r = reply{data: resp, err: err}
		m.mu.Lock()
	case len(m.replies) > 0:
		r = m.replies[0]
		m.replies = m.replies[1:]
	default:
		r = reply{err: protocol.TimeoutError("no reply scripted", map[string]interface{}{
			"call": m.roundTripCalls.Load(),
		})}
	}
	m.mu.Unlock()

	if r.err != nil {
		m.metrics.totalErrors.Add(1)
		return nil, r.err
	}

	m.metrics.bytesReceived.Add(int64(len(r.data)))
	return r.data, nil
}

// Close implements transport.Transport
func (m *MockTransport) Close() error {
	m.closeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsHealthy implements transport.Transport
func (m *MockTransport) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy && !m.closed
}

// GetMetrics implements transport.Transport
func (m *MockTransport) GetMetrics() transport.TransportMetrics {
	return transport.TransportMetrics{
		TotalRequests: m.metrics.totalRequests.Load(),
		TotalErrors:   m.metrics.totalErrors.Load(),
		BytesSent:     m.metrics.bytesSent.Load(),
		BytesReceived: m.metrics.bytesReceived.Load(),
	}
}

// GetRoundTripCount returns the number of times RoundTrip was called
func (m *MockTransport) GetRoundTripCount() int {
	return int(m.roundTripCalls.Load())
}

// GetCloseCallCount returns the number of times Close was called
func (m *MockTransport) GetCloseCallCount() int {
	return int(m.closeCalls.Load())
}

// GetHistory returns every request sent through this transport
func (m *MockTransport) GetHistory() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([][]byte, len(m.history))
	copy(history, m.history)
	return history
}

// Pending returns the number of scripted replies not yet consumed
func (m *MockTransport) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.replies)
}

// IsClosed returns whether the transport has been closed
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
