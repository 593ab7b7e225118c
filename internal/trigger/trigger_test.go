package trigger

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

func TestChannelYieldsOnlyTriggerLines(t *testing.T) {
	c := NewChannel(strings.NewReader("0\n1\n0\n1\n"), "test")
	defer c.Close()

	var ignored []string
	c.OnIgnored = func(line string) { ignored = append(ignored, line) }

	ctx := context.Background()
	first, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("First Next failed: %v", err)
	}
	second, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Second Next failed: %v", err)
	}
	if first.ID == second.ID {
		t.Error("Expected distinct event IDs")
	}
	if second.ObservedAt.Before(first.ObservedAt) {
		t.Error("Events observed out of order")
	}
	if first.Source != "test" {
		t.Errorf("Expected source 'test', got %q", first.Source)
	}

	// Stream is exhausted: no third event, a channel read error instead
	if _, err := c.Next(ctx); !errors.Is(err, ErrChannelRead) {
		t.Fatalf("Expected ErrChannelRead at end of stream, got %v", err)
	}
	// The terminal condition sticks
	if _, err := c.Next(ctx); !errors.Is(err, ErrChannelRead) {
		t.Errorf("Expected ErrChannelRead on repeated Next, got %v", err)
	}

	if len(ignored) != 2 {
		t.Errorf("Expected 2 ignored lines, got %v", ignored)
	}
}

func TestChannelTrimsWhitespace(t *testing.T) {
	tests := []struct {
		line    string
		trigger bool
	}{
		{"1", true},
		{"1 ", true},
		{"  1\t", true},
		{"1\r", true},
		{"11", false},
		{"one", false},
		{"", false},
		{"1 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c := NewChannel(strings.NewReader(tt.line+"\n"), "test")
			defer c.Close()
			_, err := c.Next(context.Background())
			if tt.trigger && err != nil {
				t.Errorf("Expected trigger for %q, got %v", tt.line, err)
			}
			if !tt.trigger && !errors.Is(err, ErrChannelRead) {
				t.Errorf("Expected %q to be ignored, got %v", tt.line, err)
			}
		})
	}
}

func TestChannelContextCancel(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	c := NewChannel(r, "pipe")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestChannelClosed(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	c := NewChannel(r, "pipe")
	c.Close()

	if _, err := c.Next(context.Background()); !errors.Is(err, ErrChannelRead) {
		t.Errorf("Expected ErrChannelRead after Close, got %v", err)
	}
}

func TestFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigger_fifo")
	if err := EnsureFIFO(path); err != nil {
		t.Fatalf("EnsureFIFO failed: %v", err)
	}
	// Idempotent on an existing pipe
	if err := EnsureFIFO(path); err != nil {
		t.Fatalf("EnsureFIFO on existing pipe failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		t.Fatalf("Expected named pipe, got mode %v", info.Mode())
	}

	// The writer keeps the pipe open across several triggers
	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		f.WriteString("0\n1\n")
		time.Sleep(10 * time.Millisecond)
		f.WriteString("1\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := OpenFIFO(ctx, path)
	if err != nil {
		t.Fatalf("OpenFIFO failed: %v", err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if ev.Source != "fifo" {
			t.Errorf("Expected source 'fifo', got %q", ev.Source)
		}
	}

	// Writer closed its end: the channel is finished
	if _, err := c.Next(ctx); !errors.Is(err, ErrChannelRead) {
		t.Errorf("Expected ErrChannelRead after writer closed, got %v", err)
	}
}

func TestFIFOSend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "send_fifo")
	if err := EnsureFIFO(path); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- Send(path) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := OpenFIFO(ctx, path)
	if err != nil {
		t.Fatalf("OpenFIFO failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("Expected trigger from Send, got %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestOpenFIFOCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idle_fifo")
	if err := EnsureFIFO(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// No writer ever connects
	if _, err := OpenFIFO(ctx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	// Unblock the abandoned open so the test doesn't leak a goroutine
	if f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
}

func TestEnsureFIFORejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regular")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureFIFO(path); err == nil {
		t.Error("Expected error for a regular file")
	}
}

func TestRedisChannel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewRedisChannel(ctx, client, "dashlink:trigger")
	if err != nil {
		t.Fatalf("NewRedisChannel failed: %v", err)
	}
	defer c.Close()

	ignored := 0
	c.OnIgnored = func(string) { ignored++ }

	for _, msg := range []string{"0", "1", "0"} {
		if err := client.Publish(ctx, "dashlink:trigger", msg).Err(); err != nil {
			t.Fatal(err)
		}
	}
	if err := Publish(ctx, client, "dashlink:trigger"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if ev.Source != "redis" {
			t.Errorf("Expected source 'redis', got %q", ev.Source)
		}
	}
	if ignored != 2 {
		t.Errorf("Expected 2 ignored messages, got %d", ignored)
	}
}

func TestChannelSkipsOversizeLines(t *testing.T) {
	long := strings.Repeat("x", 70000)
	c := NewChannel(strings.NewReader(long+"\n1\n"), "test")
	defer c.Close()

	var ignored []string
	c.OnIgnored = func(line string) { ignored = append(ignored, line) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("Expected the trigger after a long line, got %v", err)
	}
	if len(ignored) != 1 {
		t.Fatalf("Expected 1 ignored line, got %d", len(ignored))
	}
	if len(ignored[0]) != maxLineBytes || strings.Trim(ignored[0], "x") != "" {
		t.Errorf("Ignored line should be the first %d bytes of the long line, got %d bytes", maxLineBytes, len(ignored[0]))
	}
}

func TestChannelFinalLineWithoutNewline(t *testing.T) {
	c := NewChannel(strings.NewReader("0\r\n1"), "test")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("Expected trigger from unterminated last line, got %v", err)
	}
	if _, err := c.Next(ctx); !errors.Is(err, ErrChannelRead) {
		t.Errorf("Expected ErrChannelRead at end of stream, got %v", err)
	}
}
