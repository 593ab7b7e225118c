package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// EnsureFIFO creates a named pipe at path if nothing exists there yet.
// An existing path must already be a named pipe.
func EnsureFIFO(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a named pipe", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenFIFO opens the read end of a named pipe and wraps it in a Channel.
// Opening blocks until a writer connects; ctx cancels the wait.
func OpenFIFO(ctx context.Context, path string) (*Channel, error) {
	type result struct {
		f   *os.File
		err error
	}
	opened := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		opened <- result{f, err}
	}()

	select {
	case r := <-opened:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrChannelRead, r.err)
		}
		return NewChannel(r.f, "fifo"), nil
	case <-ctx.Done():
		// The pending open completes when a writer shows up; release it then.
		go func() {
			if r := <-opened; r.f != nil {
				r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Send writes a single trigger token to the named pipe at path.
// Opening blocks until the transmitter holds the read end.
func Send(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(Token + "\n")
	return err
}
