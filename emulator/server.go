package emulator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
)

// DefaultServerVersion is announced in PROTOCOL_OK.
const DefaultServerVersion = "2.1.0"

// DefaultMaxFrameSize bounds a single request frame.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("emulator: server closed")

// ServerOptions configures a Server.
type ServerOptions struct {
	// Key, when set, must be presented by CONNECT.
	Key string

	// Version is announced during the handshake.
	Version string

	// MaxFrameSize bounds a request frame. A larger frame is answered with
	// a request-too-large error and the connection is closed.
	MaxFrameSize int

	Logger zerolog.Logger
}

// Server speaks the framed protocol on TCP and forwards procedure calls to an
// Engine. Every connection is served by its own goroutine.
type Server struct {
	engine *Engine
	opts   ServerOptions
	logger zerolog.Logger
	codec  protocol.Codec

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server for engine.
func NewServer(engine *Engine, opts ServerOptions) *Server {
	if opts.Version == "" {
		opts.Version = DefaultServerVersion
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		engine: engine,
		opts:   opts,
		logger: opts.Logger,
		codec:  protocol.NewCodec(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds addr. Use port 0 for an ephemeral port and Addr to read it.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown. It returns ErrServerClosed after
// a shutdown and the accept error otherwise.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("emulator: Serve called before Listen")
	}
	s.logger.Info().Str("address", ln.Addr().String()).Str("version", s.opts.Version).Msg("emulator listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.serveConn(conn)
	}
}

// ListenAndServe combines Listen and Serve.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting, lets in-flight requests finish and waits for the
// connection goroutines until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		// Unblocks the reader; a request already being executed still gets
		// its response written.
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("emulator stopped")
		return err
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// session is the per-connection protocol state.
type session struct {
	versionAgreed bool
	authenticated bool
	client        string
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("connection opened")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.opts.MaxFrameSize)), s.opts.MaxFrameSize)
	scanner.Split(splitFrame)

	var sess session
	for scanner.Scan() {
		reply := s.handle(&sess, scanner.Bytes(), logger)
		if _, err := conn.Write(reply); err != nil {
			logger.Debug().Err(err).Msg("write failed")
			return
		}
	}
	switch err := scanner.Err(); {
	case errors.Is(err, bufio.ErrTooLong):
		logger.Warn().Int("limit", s.opts.MaxFrameSize).Msg("frame too large")
		te := protocol.RequestTooLargeError(s.opts.MaxFrameSize)
		if _, err := conn.Write(s.reply(rejectWith(http.StatusRequestEntityTooLarge, te))); err != nil {
			logger.Debug().Err(err).Msg("write failed")
		}
	case err != nil && !isTimeout(err):
		logger.Debug().Err(err).Msg("read failed")
	}
	logger.Debug().Str("client", sess.client).Msg("connection closed")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handle answers one frame.
func (s *Server) handle(sess *session, frame []byte, logger zerolog.Logger) []byte {
	if rest, ok := strings.CutPrefix(string(frame), "PROTOCOL_VERSION"); ok {
		if strings.TrimSpace(rest) != fmt.Sprint(protocol.PROTOCOL_VERSION) {
			logger.Warn().Str("requested", strings.TrimSpace(rest)).Msg("unsupported protocol version")
			return []byte("PROTOCOL_ERROR unsupported_version" + string(protocol.EOT))
		}
		sess.versionAgreed = true
		return []byte("PROTOCOL_OK " + s.opts.Version + string(protocol.EOT))
	}

	msg := make([]byte, len(frame)+1)
	copy(msg, frame)
	msg[len(frame)] = protocol.EOT
	command, params, err := protocol.DecodeCommand(msg)
	if err != nil {
		return s.reply(reject(http.StatusBadRequest, protocol.ErrorCodeProtocolError, err.Error()))
	}

	switch command {
	case protocol.CommandPing:
		return s.reply(&protocol.Response{Success: true, StatusCode: http.StatusOK, Message: "PONG"})

	case protocol.CommandConnect:
		if !sess.versionAgreed {
			return s.reply(reject(http.StatusBadRequest, protocol.ErrorCodeProtocolError, "protocol version not negotiated"))
		}
		var req protocol.ConnectRequest
		if len(params) != 1 || json.Unmarshal([]byte(params[0]), &req) != nil {
			return s.reply(reject(http.StatusBadRequest, protocol.ErrorCodeProtocolError, "malformed CONNECT"))
		}
		if s.opts.Key != "" && req.Key != s.opts.Key {
			logger.Warn().Str("client", req.Client).Msg("rejected key")
			return s.reply(rejectWith(http.StatusUnauthorized, protocol.AuthError("invalid key", map[string]interface{}{
				"client": req.Client,
			})))
		}
		sess.authenticated = true
		sess.client = req.Client
		logger.Debug().Str("client", req.Client).Str("consistency", req.Consistency).Msg("session established")
		return s.reply(&protocol.Response{Success: true, StatusCode: http.StatusOK, Message: "connected"})

	case protocol.CommandExecuteProcedure:
		if !sess.authenticated {
			return s.reply(rejectWith(http.StatusUnauthorized, protocol.AuthError("CONNECT required", nil)))
		}
		call, err := protocol.DecodeProcedureCall(params)
		if err != nil {
			return s.reply(reject(http.StatusBadRequest, protocol.ErrorCodeProtocolError, err.Error()))
		}
		return s.reply(s.engine.Execute(context.Background(), call))

	default:
		return s.reply(reject(http.StatusBadRequest, protocol.ErrorCodeProtocolError, "unknown command "+command))
	}
}

func reject(status int, code protocol.ErrorCode, msg string) *protocol.Response {
	return &protocol.Response{Success: false, StatusCode: status, Code: code, Error: msg}
}

func rejectWith(status int, te *protocol.TransportError) *protocol.Response {
	return &protocol.Response{Success: false, StatusCode: status, Code: te.Code, Error: te.Message, Details: te.Details}
}

func (s *Server) reply(resp *protocol.Response) []byte {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode response")
		data, _ = protocol.EncodeResponse(reject(http.StatusInternalServerError, protocol.ErrorCodeProtocolError, "encode response"))
	}
	return data
}

// splitFrame splits requests at an EOT that is not doubled. The returned
// token keeps escaped pairs intact for DecodeCommand. An EOT that ends the
// buffered data terminates the frame: clients block for the reply after the
// terminator, so nothing else is coming. Parameters are JSON, which never
// carries a raw EOT, so an escaped pair cannot be split across reads.
func splitFrame(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] != protocol.EOT {
			continue
		}
		if i+1 < len(data) && data[i+1] == protocol.EOT {
			i++
			continue
		}
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
