package control

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

const (
	// defaultAgentGrace is added to an agent command's own timeout before the
	// client gives up waiting on the transport.
	defaultAgentGrace = 5 * time.Second
)

// Option configures a Connection.
type Option func(*Connection)

// WithEndpoint records the transport endpoint identity, e.g. "qemu:///system".
func WithEndpoint(endpoint string) Option {
	return func(c *Connection) {
		c.endpoint = endpoint
	}
}

// WithLogger sets the diagnostic logger. Handler failures are reported here.
func WithLogger(log logr.Logger) Option {
	return func(c *Connection) {
		c.log = log
	}
}

// WithExecutionLock sets the embedding environment's execution lock.
//
// Command methods must be called with the lock held; it is released for the
// duration of the blocking round trip and reacquired before returning.
// Event handlers run with the lock held.
func WithExecutionLock(l sync.Locker) Option {
	return func(c *Connection) {
		c.exec = l
		c.execHeldByCaller = true
	}
}

// WithFileTransport sets the transport used for descriptor-passing commands.
func WithFileTransport(ft FileTransport) Option {
	return func(c *Connection) {
		c.files = ft
	}
}

// WithAgentGrace overrides how long past an agent command's timeout the
// client waits before reporting ErrNoAgentResponse.
func WithAgentGrace(d time.Duration) Option {
	return func(c *Connection) {
		c.agentGrace = d
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(c *Connection) {
		c.observer = o
	}
}

// Connection is a session to a hypervisor management daemon. It owns the
// domain handle table and the event subscription registry; both are torn
// down by Close.
type Connection struct {
	transport  Transport
	files      FileTransport
	endpoint   string
	log        logr.Logger
	observer   Observer
	agentGrace time.Duration

	// exec serializes handlers against each other and against the caller.
	exec             sync.Locker
	execHeldByCaller bool

	alive  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	domains  *handleTable
	registry *registry

	closeOnce sync.Once
}

// New creates a Connection over an established transport.
func New(transport Transport, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		transport:  transport,
		log:        logr.Discard(),
		observer:   nopObserver{},
		agentGrace: defaultAgentGrace,
		exec:       &sync.Mutex{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.files == nil {
		if ft, ok := transport.(FileTransport); ok {
			c.files = ft
		}
	}

	c.domains = newHandleTable(c)
	c.registry = newRegistry(c)
	c.alive.Store(true)

	return c
}

// Endpoint returns the transport endpoint identity.
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// Alive reports whether the connection can still be used.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// Close deregisters every subscription, releases their contexts and marks
// the connection invalid. If the transport can disconnect, it is
// disconnected. It is safe to call Close multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.cancel()
		c.registry.teardown()

		if closer, ok := c.files.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				c.log.Error(cerr, "failed to close file transport")
			}
		}

		if d, ok := c.transport.(interface{ Disconnect() error }); ok {
			err = d.Disconnect()
		}
	})
	return err
}

func (c *Connection) check(op, domain string) error {
	if !c.Alive() {
		return newError(op, domain, ErrConnectionInvalid, nil)
	}
	return nil
}

// blocking runs fn with the caller's execution lock released.
func (c *Connection) blocking(fn func()) {
	if c.execHeldByCaller {
		c.exec.Unlock()
		defer c.exec.Lock()
	}
	fn()
}

// transportError classifies a transport failure. Errors that mean the
// session is gone mark the connection dead.
func (c *Connection) transportError(op, domain string, kind, err error) *Error {
	if isDisconnect(err) {
		c.alive.Store(false)
		return newError(op, domain, ErrConnectionInvalid, err)
	}
	return newError(op, domain, kind, err)
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
