package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrBroken is returned once a channel has lost request/response alignment.
var ErrBroken = errors.New("ipc channel is broken")

// ProtocolError reports a response that violates the line protocol.
type ProtocolError struct {
	Reason string
	Sent   int
	Got    int
	Line   string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "ipc protocol error: " + e.Reason
	if e.Sent > 0 || e.Got > 0 {
		msg += fmt.Sprintf(" (sent %d, got %d)", e.Sent, e.Got)
	}
	if e.Line != "" {
		msg += fmt.Sprintf(": %q", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

const maxQuotedLine = 120

func quote(line []byte) string {
	if len(line) > maxQuotedLine {
		return string(line[:maxQuotedLine]) + "..."
	}
	return string(line)
}

type lineResult struct {
	line []byte
	err  error
}

// Channel is the harness side of the workload's stdio protocol: one JSON
// array per line in each direction, matched by position. At most one
// request is in flight.
type Channel struct {
	mu       sync.Mutex
	w        io.Writer
	lines    chan lineResult
	skipEcho bool
	broken   bool
	done     chan struct{}
	once     sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithEchoSkip drops the first response line that repeats the request
// verbatim, as a TTY-attached workload does. A second identical line is the
// response.
func WithEchoSkip() Option {
	return func(c *Channel) { c.skipEcho = true }
}

// NewChannel starts reading lines from r. w receives requests.
func NewChannel(w io.Writer, r io.Reader, opts ...Option) *Channel {
	c := &Channel{w: w, lines: make(chan lineResult), done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *Channel) readLoop(r *bufio.Reader) {
	defer close(c.lines)
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) > 0 {
			if !c.send(lineResult{line: line}) {
				return
			}
		}
		if err != nil {
			c.send(lineResult{err: err})
			return
		}
	}
}

func (c *Channel) send(res lineResult) bool {
	select {
	case c.lines <- res:
		return true
	case <-c.done:
		return false
	}
}

// Close stops delivering responses. It does not close the underlying streams.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.done) })
}

// Exchange sends items as one line and waits for the matching response.
// A response that is not a JSON array, or whose length differs, is a
// *ProtocolError and leaves the channel broken.
func (c *Channel) Exchange(ctx context.Context, items []json.RawMessage) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, ErrBroken
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	req, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.w.Write(append(req, '\n')); err != nil {
		c.broken = true
		return nil, &ProtocolError{Reason: "write request", Err: err}
	}

	echoSeen := false
	for {
		var res lineResult
		var ok bool
		select {
		case <-ctx.Done():
			c.broken = true
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrBroken
		case res, ok = <-c.lines:
		}
		if !ok || res.err != nil {
			c.broken = true
			reason := "workload closed its output before responding"
			if res.err != nil && !errors.Is(res.err, io.EOF) {
				return nil, &ProtocolError{Reason: "read response", Err: res.err}
			}
			return nil, &ProtocolError{Reason: reason}
		}
		if c.skipEcho && !echoSeen && bytes.Equal(res.line, req) {
			echoSeen = true
			continue
		}
		out, err := decode(res.line, len(items))
		if err != nil {
			c.broken = true
			return nil, err
		}
		return out, nil
	}
}

func decode(line []byte, want int) ([]json.RawMessage, error) {
	if !json.Valid(line) {
		return nil, &ProtocolError{Reason: "response is not valid JSON", Line: quote(line)}
	}
	var out []json.RawMessage
	if trimmed := bytes.TrimSpace(line); trimmed[0] != '[' {
		return nil, &ProtocolError{Reason: "response is not a JSON array", Line: quote(line)}
	}
	if err := json.Unmarshal(line, &out); err != nil {
		return nil, &ProtocolError{Reason: "response is not a JSON array", Line: quote(line)}
	}
	if len(out) != want {
		return nil, &ProtocolError{Reason: "response length mismatch", Sent: want, Got: len(out)}
	}
	return out, nil
}
