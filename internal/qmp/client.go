package qmp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultTimeout bounds a single command round trip when the context has no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// readChunk is the size of one socket read.
const readChunk = 64 * 1024

var (
	// ErrDisconnected wraps I/O failures on the monitor socket. The client is
	// unusable afterwards.
	ErrDisconnected = errors.New("qmp: monitor disconnected")

	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("qmp: client closed")
)

// Error is a QMP error reply.
type Error struct {
	Class string
	Desc  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("QMP error [%s]: %s", e.Class, e.Desc)
}

type message struct {
	QMP    json.RawMessage `json:"QMP,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Client talks to one QEMU monitor socket. Commands are synchronous and
// serialized; events arriving between a command and its reply are skipped.
type Client struct {
	path    string
	timeout time.Duration

	mu     sync.Mutex
	conn   *net.UnixConn
	buf    []byte
	fds    []int
	nextID uint64
}

// Dial connects to the monitor socket at path and negotiates capabilities.
func Dial(ctx context.Context, path string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial QMP socket %s: %w", path, err)
	}

	c, err := newClient(ctx, conn.(*net.UnixConn), timeout)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// newClient performs the greeting and capabilities handshake on conn.
func newClient(ctx context.Context, conn *net.UnixConn, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		timeout: timeout,
		conn:    conn,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setDeadline(ctx)
	line, err := c.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read QMP greeting: %w", err)
	}
	var greeting message
	if err := json.Unmarshal(line, &greeting); err != nil || greeting.QMP == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected QMP greeting %q", line)
	}

	if _, err := c.roundTrip(ctx, map[string]any{"execute": "qmp_capabilities"}, nil); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("failed to negotiate QMP capabilities: %w", err)
	}
	return c, nil
}

// Path returns the monitor socket path.
func (c *Client) Path() string {
	return c.path
}

// Execute sends a raw QMP JSON command together with files and returns the
// raw reply line and any descriptors received with it. An error reply is
// returned as *Error. The caller owns the returned descriptors, also when an
// error is returned.
func (c *Client) Execute(ctx context.Context, command string, files []int) (string, []int, error) {
	var cmd map[string]any
	if err := json.Unmarshal([]byte(command), &cmd); err != nil {
		return "", nil, fmt.Errorf("failed to parse QMP command: %w", err)
	}
	if _, ok := cmd["execute"]; !ok {
		if _, ok := cmd["exec-oob"]; !ok {
			return "", nil, fmt.Errorf("QMP command has no execute member")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(ctx, cmd, files)
	fds := c.takeFds()
	if err != nil {
		return string(reply.raw), fds, err
	}
	if reply.msg.Error != nil {
		return "", fds, &Error{Class: reply.msg.Error.Class, Desc: reply.msg.Error.Desc}
	}
	return string(reply.raw), fds, nil
}

// HumanCommand runs command on the human monitor and returns its text output.
func (c *Client) HumanCommand(ctx context.Context, command string, files []int) (string, []int, error) {
	cmd := map[string]any{
		"execute":   "human-monitor-command",
		"arguments": map[string]any{"command-line": command},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(ctx, cmd, files)
	fds := c.takeFds()
	if err != nil {
		return "", fds, err
	}
	if reply.msg.Error != nil {
		return "", fds, &Error{Class: reply.msg.Error.Class, Desc: reply.msg.Error.Desc}
	}

	var out string
	if err := json.Unmarshal(reply.msg.Return, &out); err != nil {
		return "", fds, fmt.Errorf("failed to decode human monitor output: %w", err)
	}
	return out, fds, nil
}

// Close closes the monitor socket and any unclaimed received descriptors.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	closeFds(c.takeFds())
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.buf = nil
	return err
}

type reply struct {
	raw []byte
	msg message
}

// roundTrip writes cmd tagged with a fresh id and reads until the matching
// reply. Must be called with c.mu held.
func (c *Client) roundTrip(ctx context.Context, cmd map[string]any, files []int) (reply, error) {
	if c.conn == nil {
		return reply{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}

	c.nextID++
	id := fmt.Sprintf("conduit-%d", c.nextID)
	cmd["id"] = id

	data, err := json.Marshal(cmd)
	if err != nil {
		return reply{}, fmt.Errorf("failed to marshal QMP command: %w", err)
	}
	wantID, _ := json.Marshal(id)

	c.setDeadline(ctx)
	defer c.clearDeadline()

	if err := writeWithRights(c.conn, append(data, '\n'), files); err != nil {
		c.closeLocked()
		return reply{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			// Keep descriptors that already arrived for the caller.
			fds := c.fds
			c.fds = nil
			c.closeLocked()
			c.fds = fds
			return reply{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			return reply{raw: line}, fmt.Errorf("failed to decode QMP reply: %w", err)
		}
		if msg.Event != "" {
			continue
		}
		if !bytes.Equal(msg.ID, wantID) {
			continue
		}
		return reply{raw: line, msg: msg}, nil
	}
}

// readLine returns the next newline-terminated message, collecting any
// descriptors that arrive on the way.
func (c *Client) readLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			line := bytes.TrimSpace(c.buf[:i])
			c.buf = c.buf[i+1:]
			if len(line) == 0 {
				continue
			}
			return append([]byte(nil), line...), nil
		}

		chunk := make([]byte, readChunk)
		oob := make([]byte, oobSize)
		n, oobn, _, _, err := c.conn.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			fds, perr := parseRights(oob[:oobn])
			c.fds = append(c.fds, fds...)
			if perr != nil && err == nil {
				err = perr
			}
		}
		c.buf = append(c.buf, chunk[:n]...)
		if err != nil {
			return nil, err
		}
		if n == 0 && oobn == 0 {
			return nil, net.ErrClosed
		}
	}
}

func (c *Client) takeFds() []int {
	fds := c.fds
	c.fds = nil
	return fds
}

func (c *Client) setDeadline(ctx context.Context) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
}

func (c *Client) clearDeadline() {
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Time{})
	}
}
