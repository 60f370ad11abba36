package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/protocol"
)

// Handler receives the link events and inbound requests. The session
// orchestrator implements it.
type Handler interface {
	ConnectionEstablished(ctx context.Context) error
	ConnectionDown(ctx context.Context) error
	AskCalibrationPositions(ctx context.Context) error
	ValidatePosition(ctx context.Context, id uint8) error
}

// Options tunes the server. Zero values use the config defaults.
type Options struct {
	Listen     string
	RetryDelay time.Duration
	FrameRate  rate.Limit // inbound frames per second
	FrameBurst int
	Logger     *slog.Logger
}

// Server listens for the peer, accepts it, reads its requests and sends
// frames to it. When the peer goes away the listener is rebuilt after
// RetryDelay.
type Server struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conn   *Conn
	closed bool
	done   chan struct{}
}

// NewServer creates a server; Run starts it. handler may be nil when it is
// attached later with Bind.
func NewServer(handler Handler, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = config.ListenAddr
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = config.RetryDelay
	}
	if opts.FrameRate == 0 {
		opts.FrameRate = config.InboundFrameRate
	}
	if opts.FrameBurst == 0 {
		opts.FrameBurst = config.InboundFrameBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With("component", "transport"),
		done:    make(chan struct{}),
	}
}

// Bind attaches the handler. It must be called before Run.
func (s *Server) Bind(h Handler) { s.handler = h }

// Run listens, serves one peer and starts over until ctx is cancelled or
// Close is called.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := s.accept()
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			s.logger.Warn("listener failed", "addr", s.opts.Listen, "error", err, "retry_in", s.opts.RetryDelay)
		default:
			s.serve(ctx, conn)
		}
		select {
		case <-s.done:
			return nil
		case <-time.After(s.opts.RetryDelay):
		}
	}
}

// accept builds a listener, takes one peer and tears the listener down.
func (s *Server) accept() (*Conn, error) {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil, ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("waiting for peer", "addr", ln.Addr().String())

	nc, err := ln.Accept()

	s.mu.Lock()
	s.ln = nil
	closed := s.closed
	s.mu.Unlock()
	ln.Close()

	if closed {
		if nc != nil {
			nc.Close()
		}
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

func (s *Server) serve(ctx context.Context, conn *Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("peer connected", "remote", conn.RemoteAddr().String())

	if err := s.handler.ConnectionEstablished(ctx); err != nil {
		s.logger.Warn("connection not reported", "error", err)
	}

	limiter := rate.NewLimiter(s.opts.FrameRate, s.opts.FrameBurst)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("peer disconnected")
			} else {
				s.logger.Warn("peer link lost", "error", err)
			}
			break
		}
		if !limiter.Allow() {
			s.logger.Warn("inbound frame dropped, peer over rate", "len", len(frame), "limit", float64(s.opts.FrameRate))
			continue
		}
		s.dispatch(ctx, frame)
	}

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()

	if err := s.handler.ConnectionDown(ctx); err != nil {
		s.logger.Debug("disconnection not reported", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("malformed frame ignored", "len", len(frame), "error", err)
		return
	}
	switch m := msg.(type) {
	case protocol.CalibrationPositionsRequest, protocol.CalibrationStart:
		err = s.handler.AskCalibrationPositions(ctx)
	case protocol.CalibrationPositionSignal:
		err = s.handler.ValidatePosition(ctx, m.ID)
	default:
		s.logger.Debug("inbound command ignored", "command", msg.Command())
	}
	if err != nil {
		s.logger.Warn("inbound request not delivered", "command", msg.Command(), "error", err)
	}
}

// SendFrame writes frame to the connected peer.
func (s *Server) SendFrame(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(frame)
}

// Addr returns the listening address, or nil between listeners.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connected reports whether a peer is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close stops the listener and drops the peer. Run returns afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.ln != nil {
		s.ln.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
