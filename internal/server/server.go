// Package server owns the dashboard connection and the send loop.
//
// A Server binds once, accepts exactly one client and then, for every
// trigger, reads fresh artifacts, encodes a frame and writes all of it
// before looking at the next trigger. Losing the client ends the server;
// there is no reconnect.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andresmejia3/dashlink/internal/frame"
	"github.com/andresmejia3/dashlink/internal/logging"
	"github.com/andresmejia3/dashlink/internal/metrics"
	"github.com/andresmejia3/dashlink/internal/types"
	"github.com/andresmejia3/dashlink/internal/utils"
)

var (
	// ErrConnection wraps accept and write failures on the dashboard connection.
	ErrConnection = errors.New("dashboard connection failed")
	// ErrArtifactLoad wraps failures reading the artifacts for a trigger.
	ErrArtifactLoad = errors.New("artifact load failed")
)

// TriggerSource blocks until the next send request.
type TriggerSource interface {
	Next(ctx context.Context) (types.TriggerEvent, error)
}

// ArtifactSource provides the current artifacts.
type ArtifactSource interface {
	Load(ctx context.Context) (types.Bundle, error)
}

// Recorder persists a log entry for each sent frame.
type Recorder interface {
	RecordTransmission(ctx context.Context, t types.Transmission) error
}

// State is the position of the server in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateSending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Option configures optional collaborators.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRecorder enables the transmission log.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// Server sends one frame per trigger to a single connected dashboard.
type Server struct {
	addr      string
	triggers  TriggerSource
	artifacts ArtifactSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
	recorder  Recorder
	now       func() time.Time

	mu       sync.Mutex
	state    State
	listener net.Listener
	conn     net.Conn
	sent     int
}

// New creates a server for addr. Nothing is bound until Listen.
func New(addr string, triggers TriggerSource, artifacts ArtifactSource, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		triggers:  triggers,
		artifacts: artifacts,
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("%w: server closed", ErrConnection)
	}
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State reports the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sent reports how many frames were fully written.
func (s *Server) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

// Accept waits for the single dashboard connection. The listener is closed
// afterwards; later clients are refused by the OS.
func (s *Server) Accept(ctx context.Context) (net.Addr, error) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%w: accept before listen", ErrConnection)
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: accept: %w", ErrConnection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		conn.Close()
		return nil, fmt.Errorf("%w: server closed", ErrConnection)
	}
	s.conn = conn
	s.state = StateConnected
	l.Close()
	return conn.RemoteAddr(), nil
}

// Serve runs the trigger loop on the accepted connection until a fatal error
// or ctx cancellation. It never returns nil.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: serve before accept", ErrConnection)
	}

	// A blocked write must not outlive cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		ev, err := s.triggers.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for trigger: %w", err)
		}
		if s.metrics != nil {
			s.metrics.TriggersReceived.Inc()
		}

		if err := s.send(ctx, conn, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// send handles a single trigger: load, encode, write, record.
func (s *Server) send(ctx context.Context, conn net.Conn, ev types.TriggerEvent) error {
	s.setState(StateSending)
	defer s.setState(StateConnected)

	log := s.logger.With("trigger_id", ev.ID, "source", ev.Source)
	log.Debug("trigger received")

	bundle, err := s.artifacts.Load(ctx)
	if err != nil {
		s.reject("load")
		return fmt.Errorf("%w: %w", ErrArtifactLoad, err)
	}

	data, err := frame.Encode(bundle.Preprocessed, bundle.Processed, bundle.Scores)
	if err != nil {
		s.reject("encode")
		return fmt.Errorf("encode frame: %w", err)
	}

	if err := frame.WriteFrame(conn, data); err != nil {
		s.reject("write")
		return fmt.Errorf("%w: write %d byte frame to %s: %w", ErrConnection, len(data), conn.RemoteAddr(), err)
	}
	sentAt := s.now()

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveSend(len(data), sentAt.Sub(ev.ObservedAt))
	}

	rec := types.Transmission{
		ID:                ev.ID,
		ObservedAt:        ev.ObservedAt,
		SentAt:            sentAt,
		Peer:              conn.RemoteAddr().String(),
		FrameBytes:        len(data),
		PreprocessedBytes: len(bundle.Preprocessed),
		ProcessedBytes:    len(bundle.Processed),
		Scores:            bundle.Scores,
		Digest:            utils.FrameDigest(data),
	}
	log.Info("frame sent",
		"bytes", rec.FrameBytes,
		"preprocessed", rec.PreprocessedBytes,
		"processed", rec.ProcessedBytes,
		"scores", len(rec.Scores),
		"digest", rec.Digest[:16])

	if s.recorder != nil {
		// The frame is already on the wire; a logging failure must not stop the loop
		if err := s.recorder.RecordTransmission(ctx, rec); err != nil {
			log.Warn("failed to record transmission", "error", err)
		}
	}
	return nil
}

func (s *Server) reject(stage string) {
	if s.metrics != nil {
		s.metrics.FramesRejected.WithLabelValues(stage).Inc()
	}
}

// Run binds, accepts one client and serves it. Resources are always released.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("waiting for dashboard", "addr", s.Addr().String())

	peer, err := s.Accept(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("dashboard connected", "peer", peer.String())

	return s.Serve(ctx)
}

// Close releases the listener, the connection and the trigger channel. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	// The control channel belongs to the server once handed over
	if c, ok := s.triggers.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
