// Package trigger turns a line-oriented control stream into send events.
//
// The producer writes "1" on its own line whenever fresh artifacts are ready.
// Every other line is ignored. The stream is kept open for the lifetime of
// the channel; when it ends the channel is finished and Next reports
// ErrChannelRead.
package trigger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/dashlink/internal/types"
	"github.com/google/uuid"
)

// Token is the only line content that produces an event.
const Token = "1"

// maxLineBytes is how much of a line is kept. Anything longer can't be a trigger.
const maxLineBytes = 4096

// ErrChannelRead means the control stream closed or could not be read.
var ErrChannelRead = errors.New("trigger channel read failed")

type line struct {
	text string
	err  error
}

// Channel yields one TriggerEvent per "1" line.
type Channel struct {
	// OnIgnored, if set, is called with each discarded line.
	OnIgnored func(line string)

	source string
	lines  chan line
	done   chan struct{}
	once   sync.Once
	closer func() error
	now    func() time.Time
}

func newChannel(source string, closer func() error) *Channel {
	return &Channel{
		source: source,
		lines:  make(chan line),
		done:   make(chan struct{}),
		closer: closer,
		now:    time.Now,
	}
}

// NewChannel reads trigger lines from r. If r is an io.Closer it is closed by Close.
func NewChannel(r io.Reader, source string) *Channel {
	var closer func() error
	if c, ok := r.(io.Closer); ok {
		closer = c.Close
	}
	c := newChannel(source, closer)
	go c.scan(r)
	return c
}

func (c *Channel) scan(r io.Reader) {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		text, err := readLine(br)
		if text != "" || err == nil {
			if !c.push(line{text: text}) {
				return
			}
		}
		if err != nil {
			c.push(line{err: err})
			return
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLineBytes is cut to that length and the rest of it is discarded.
func readLine(br *bufio.Reader) (string, error) {
	chunk, err := br.ReadSlice('\n')
	text := string(chunk)
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = br.ReadSlice('\n')
	}
	return strings.TrimRight(text, "\r\n"), err
}

// push hands a line to Next. It returns false once the channel is closed.
func (c *Channel) push(l line) bool {
	select {
	case c.lines <- l:
		return true
	case <-c.done:
		return false
	}
}

// Next blocks until a "1" line arrives and returns the corresponding event.
func (c *Channel) Next(ctx context.Context) (types.TriggerEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return types.TriggerEvent{}, ctx.Err()
		case <-c.done:
			return types.TriggerEvent{}, fmt.Errorf("%w: channel closed", ErrChannelRead)
		case l := <-c.lines:
			if l.err != nil {
				// Later calls see the same terminal condition
				c.shutdown()
				return types.TriggerEvent{}, fmt.Errorf("%w: %w", ErrChannelRead, l.err)
			}
			text := strings.TrimSpace(l.text)
			if text != Token {
				if c.OnIgnored != nil {
					c.OnIgnored(text)
				}
				continue
			}
			return types.TriggerEvent{
				ID:         uuid.New(),
				ObservedAt: c.now(),
				Source:     c.source,
			}, nil
		}
	}
}

func (c *Channel) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// Close stops the reader and releases the underlying stream.
func (c *Channel) Close() error {
	c.shutdown()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}
