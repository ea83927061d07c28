// Package engine provides a client for the audio engine's line-oriented
// control protocol over a local unix socket.
//
// Each request is a single newline-terminated line; the response is one or
// more lines terminated by a literal "END" sentinel. The sentinel is stripped
// before results are counted — a naive line count would report an empty queue
// as size 1.
//
// Every operation dials a fresh connection; there is no persistent session.
// Connection-refused errors are retried with exponential backoff bounded by
// roughly two seconds of total wait, after which [ErrUnavailable] surfaces.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable indicates the engine socket could not be reached within the
// retry budget.
var ErrUnavailable = errors.New("engine: unavailable")

const (
	opTimeout    = 2 * time.Second
	retryInitial = 100 * time.Millisecond
	retryBudget  = 2 * time.Second
	sentinel     = "END"
)

// Client talks to the engine's control socket.
type Client struct {
	socketPath string

	// dial is swapped in tests to target a listener other than a unix socket.
	dial func(ctx context.Context) (net.Conn, error)
}

// New creates a Client for the unix control socket at socketPath.
func New(socketPath string) *Client {
	c := &Client{socketPath: socketPath}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", c.socketPath)
	}
	return c
}

// NewWithDialer creates a Client with a custom dialer. Intended for tests.
func NewWithDialer(dial func(ctx context.Context) (net.Conn, error)) *Client {
	return &Client{dial: dial}
}

// command dials, sends one line, and reads response lines up to the sentinel.
// The sentinel is not included in the returned slice.
func (c *Client) command(ctx context.Context, line string) ([]string, error) {
	conn, err := c.dialRetry(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(opTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("engine: set deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return nil, fmt.Errorf("engine: write %q: %w", line, err)
	}

	var out []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		if text == sentinel {
			return out, nil
		}
		out = append(out, text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("engine: read response to %q: %w", line, err)
	}
	return nil, fmt.Errorf("engine: response to %q ended without sentinel", line)
}

// dialRetry dials with exponential backoff on connection-refused, bounded by
// the retry budget.
func (c *Client) dialRetry(ctx context.Context) (net.Conn, error) {
	var lastErr error
	wait := retryInitial
	start := time.Now()
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Since(start)+wait > retryBudget {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		wait *= 2
	}
}

// QueueLength returns the number of pending requests in the named queue.
func (c *Client) QueueLength(ctx context.Context, queue string) (int, error) {
	ids, err := c.QueueList(ctx, queue)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// QueueList returns the request ids pending in the named queue, in play order.
func (c *Client) QueueList(ctx context.Context, queue string) ([]string, error) {
	lines, err := c.command(ctx, queue+".queue")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, l := range lines {
		for _, f := range strings.Fields(l) {
			ids = append(ids, f)
		}
	}
	return ids, nil
}

// RequestMetadata returns the metadata bag for a request id. Values are
// key="value" lines in the engine's response.
func (c *Client) RequestMetadata(ctx context.Context, rid string) (map[string]string, error) {
	lines, err := c.command(ctx, "request.metadata "+rid)
	if err != nil {
		return nil, err
	}
	return parseMetadata(lines), nil
}

// CurrentMetadata returns the metadata of the track currently on the primary
// source.
func (c *Client) CurrentMetadata(ctx context.Context, source string) (map[string]string, error) {
	lines, err := c.command(ctx, source+".metadata")
	if err != nil {
		return nil, err
	}
	return parseMetadata(lines), nil
}

// Push enqueues path on the named queue and returns the engine request id.
func (c *Client) Push(ctx context.Context, queue, path string) (string, error) {
	lines, err := c.command(ctx, fmt.Sprintf("%s.push %s", queue, path))
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("engine: push to %q returned no request id", queue)
	}
	rid := strings.TrimSpace(lines[0])
	if _, err := strconv.Atoi(rid); err != nil {
		return "", fmt.Errorf("engine: push to %q returned %q, want request id", queue, rid)
	}
	return rid, nil
}

// Skip drops the currently playing request of the named queue.
func (c *Client) Skip(ctx context.Context, queue string) error {
	_, err := c.command(ctx, queue+".skip")
	return err
}

// Clear removes all pending requests from the named queue.
func (c *Client) Clear(ctx context.Context, queue string) error {
	_, err := c.command(ctx, queue+".clear")
	return err
}

// parseMetadata converts key="value" lines into a map. Malformed lines are
// ignored; the engine occasionally emits informational text between fields.
func parseMetadata(lines []string) map[string]string {
	md := make(map[string]string, len(lines))
	for _, l := range lines {
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"`)
		if k != "" {
			md[k] = v
		}
	}
	return md
}
