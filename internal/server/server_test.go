package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/dashlink/internal/frame"
	"github.com/andresmejia3/dashlink/internal/metrics"
	"github.com/andresmejia3/dashlink/internal/trigger"
	"github.com/andresmejia3/dashlink/internal/types"
	"github.com/andresmejia3/dashlink/internal/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// countingSource returns a different bundle on every Load so tests can tell frames apart.
type countingSource struct {
	mu     sync.Mutex
	loads  int
	scores []float32
	err    error
}

func (c *countingSource) Load(ctx context.Context) (types.Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return types.Bundle{}, c.err
	}
	c.loads++
	return types.Bundle{
		Preprocessed: []byte(fmt.Sprintf("raw-%d", c.loads)),
		Processed:    []byte(fmt.Sprintf("processed-%d", c.loads)),
		Scores:       c.scores,
	}, nil
}

type memoryRecorder struct {
	mu   sync.Mutex
	recs []types.Transmission
	err  error
}

func (m *memoryRecorder) RecordTransmission(ctx context.Context, t types.Transmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, t)
	return m.err
}

// queueTriggers hands out a fixed number of events, then reports a closed channel.
type queueTriggers struct {
	events chan types.TriggerEvent
}

func newQueueTriggers(n int) *queueTriggers {
	q := &queueTriggers{events: make(chan types.TriggerEvent, n)}
	for i := 0; i < n; i++ {
		q.events <- types.TriggerEvent{ID: uuid.New(), ObservedAt: time.Now(), Source: "test"}
	}
	close(q.events)
	return q
}

func (q *queueTriggers) Next(ctx context.Context) (types.TriggerEvent, error) {
	select {
	case <-ctx.Done():
		return types.TriggerEvent{}, ctx.Err()
	case ev, ok := <-q.events:
		if !ok {
			return types.TriggerEvent{}, trigger.ErrChannelRead
		}
		return ev, nil
	}
}

// recordingConn captures writes, optionally in small chunks, without a real socket.
type recordingConn struct {
	net.Conn
	buf      bytes.Buffer
	maxChunk int
	writeErr error
	closed   bool
}

func (c *recordingConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.maxChunk > 0 && len(p) > c.maxChunk {
		p = p[:c.maxChunk]
	}
	return c.buf.Write(p)
}

func (c *recordingConn) Close() error         { c.closed = true; return nil }
func (c *recordingConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000} }

// connected returns a server that skips bind/accept and writes to conn.
func connected(conn net.Conn, triggers TriggerSource, src ArtifactSource, opts ...Option) *Server {
	s := New("127.0.0.1:0", triggers, src, opts...)
	s.conn = conn
	s.state = StateConnected
	return s
}

func TestServerSendsFramesInTriggerOrder(t *testing.T) {
	pr, pw := io.Pipe()
	triggers := trigger.NewChannel(pr, "pipe")
	src := &countingSource{scores: []float32{0.25, 0.75}}
	rec := &memoryRecorder{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s := New("127.0.0.1:0", triggers, src, WithRecorder(rec), WithMetrics(m))
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	client, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if _, err := io.WriteString(pw, "0\n1\n0\n1\n"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		f, err := frame.ReadFrame(client, 1<<20)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if want := fmt.Sprintf("raw-%d", i); string(f.Preprocessed) != want {
			t.Errorf("Frame %d preprocessed = %q, want %q", i, f.Preprocessed, want)
		}
		if want := fmt.Sprintf("processed-%d", i); string(f.Processed) != want {
			t.Errorf("Frame %d processed = %q, want %q", i, f.Processed, want)
		}
		if len(f.Scores) != 2 || f.Scores[1] != 0.75 {
			t.Errorf("Frame %d scores = %v", i, f.Scores)
		}
	}

	// Only one dashboard is ever accepted
	if second, err := net.DialTimeout("tcp", s.Addr().String(), time.Second); err == nil {
		second.Close()
		t.Error("Expected a second client to be refused")
	}

	// Producer goes away: the trigger channel fails and the server stops
	pw.Close()
	select {
	case err := <-done:
		if !errors.Is(err, trigger.ErrChannelRead) {
			t.Errorf("Expected ErrChannelRead, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Server did not stop after trigger channel closed")
	}

	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", s.State())
	}
	if s.Sent() != 2 {
		t.Errorf("Expected 2 frames sent, got %d", s.Sent())
	}
	if src.loads != 2 {
		t.Errorf("Expected artifacts loaded once per trigger (2), got %d", src.loads)
	}
	if got := testutil.ToFloat64(m.FramesSent); got != 2 {
		t.Errorf("FramesSent metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TriggersReceived); got != 2 {
		t.Errorf("TriggersReceived metric = %v, want 2", got)
	}

	if len(rec.recs) != 2 {
		t.Fatalf("Expected 2 recorded transmissions, got %d", len(rec.recs))
	}
	first := rec.recs[0]
	expected, _ := frame.Encode([]byte("raw-1"), []byte("processed-1"), []float32{0.25, 0.75})
	if first.Digest != utils.FrameDigest(expected) {
		t.Errorf("Recorded digest does not match the frame sent")
	}
	if first.FrameBytes != len(expected) || first.PreprocessedBytes != 5 {
		t.Errorf("Unexpected transmission record: %+v", first)
	}
	if first.SentAt.Before(first.ObservedAt) {
		t.Errorf("SentAt %v precedes ObservedAt %v", first.SentAt, first.ObservedAt)
	}
}

func TestServerStopsOnWriteFailure(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	clientSide.Close() // Dashboard disconnected

	src := &countingSource{}
	s := connected(serverSide, newQueueTriggers(2), src)

	err := s.Serve(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Expected ErrConnection, got %v", err)
	}
	// No silent retry: the second trigger is never serviced
	if src.loads != 1 {
		t.Errorf("Expected 1 artifact load, got %d", src.loads)
	}
	if s.Sent() != 0 {
		t.Errorf("Expected no frames counted as sent, got %d", s.Sent())
	}
}

func TestServerRejectsOversizeScores(t *testing.T) {
	conn := &recordingConn{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := connected(conn, newQueueTriggers(1), &countingSource{scores: make([]float32, 64)}, WithMetrics(m))

	err := s.Serve(context.Background())
	if !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("Expected ErrPayloadTooLarge, got %v", err)
	}
	if conn.buf.Len() != 0 {
		t.Errorf("Expected no bytes on the wire, got %d", conn.buf.Len())
	}
	if got := testutil.ToFloat64(m.FramesRejected.WithLabelValues("encode")); got != 1 {
		t.Errorf("Expected 1 encode rejection, got %v", got)
	}
}

func TestServerArtifactLoadFailure(t *testing.T) {
	conn := &recordingConn{}
	s := connected(conn, newQueueTriggers(1), &countingSource{err: errors.New("step_1.jpg: no such file")})

	if err := s.Serve(context.Background()); !errors.Is(err, ErrArtifactLoad) {
		t.Fatalf("Expected ErrArtifactLoad, got %v", err)
	}
	if conn.buf.Len() != 0 {
		t.Errorf("Expected no bytes on the wire, got %d", conn.buf.Len())
	}
}

func TestServerCompletesShortWrites(t *testing.T) {
	conn := &recordingConn{maxChunk: 5}
	s := connected(conn, newQueueTriggers(1), &countingSource{scores: []float32{1}})

	if err := s.Serve(context.Background()); !errors.Is(err, trigger.ErrChannelRead) {
		t.Fatalf("Expected loop to end on exhausted triggers, got %v", err)
	}

	f, err := frame.Decode(conn.buf.Bytes())
	if err != nil {
		t.Fatalf("Written bytes are not a complete frame: %v", err)
	}
	if string(f.Preprocessed) != "raw-1" {
		t.Errorf("Unexpected frame content: %q", f.Preprocessed)
	}
}

func TestServerRecorderFailureIsNotFatal(t *testing.T) {
	conn := &recordingConn{}
	rec := &memoryRecorder{err: errors.New("database unavailable")}
	s := connected(conn, newQueueTriggers(2), &countingSource{}, WithRecorder(rec))

	if err := s.Serve(context.Background()); !errors.Is(err, trigger.ErrChannelRead) {
		t.Fatalf("Expected loop to end on exhausted triggers, got %v", err)
	}
	if s.Sent() != 2 {
		t.Errorf("Expected both frames sent despite recorder errors, got %d", s.Sent())
	}
}

func TestServerCancelWhileWaitingForClient(t *testing.T) {
	s := New("127.0.0.1:0", newQueueTriggers(0), &countingSource{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", s.State())
	}
	if err := s.Listen(); !errors.Is(err, ErrConnection) {
		t.Errorf("Expected Listen on a closed server to fail, got %v", err)
	}
}

func TestServerServeBeforeAccept(t *testing.T) {
	s := New("127.0.0.1:0", newQueueTriggers(0), &countingSource{})
	if err := s.Serve(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("Expected ErrConnection, got %v", err)
	}
	if _, err := s.Accept(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("Expected ErrConnection for accept before listen, got %v", err)
	}
}

func TestServerCloseReleasesEverything(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	triggers := trigger.NewChannel(pr, "pipe")

	conn := &recordingConn{}
	s := connected(conn, triggers, &countingSource{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !conn.closed {
		t.Error("Connection not closed")
	}
	if _, err := pw.Write([]byte("1\n")); err == nil {
		t.Error("Expected trigger pipe to be closed")
	}
	// Idempotent
	if err := s.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateConnected: "connected",
		StateSending:   "sending",
		StateClosed:    "closed",
		State(9):       "State(9)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
