package qmp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
)

// FlagHMP selects the human monitor. It has the same value as the monitor
// command flag of the same meaning in package control.
const FlagHMP uint32 = 1 << 0

// Pool resolves domains to their QMP sockets and keeps one client per
// socket, dialed on first use.
type Pool struct {
	sockets map[string]string
	timeout time.Duration
	log     logr.Logger

	dial func(ctx context.Context, path string, timeout time.Duration) (*Client, error)

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewPool creates a pool over a domain name to socket path mapping.
func NewPool(sockets map[string]string, timeout time.Duration, log logr.Logger) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	copied := make(map[string]string, len(sockets))
	for name, path := range sockets {
		copied[name] = path
	}
	return &Pool{
		sockets: copied,
		timeout: timeout,
		log:     log,
		dial:    Dial,
		clients: make(map[string]*Client),
	}
}

// Domains returns the names of domains with a configured socket.
func (p *Pool) Domains() []string {
	names := make([]string, 0, len(p.sockets))
	for name := range p.sockets {
		names = append(names, name)
	}
	return names
}

// MonitorCommandWithFiles runs cmd on the domain's monitor, passing files,
// and returns the reply and the descriptors received with it.
func (p *Pool) MonitorCommandWithFiles(dom libvirt.Domain, cmd string, files []int, flags uint32) (string, []int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	client, err := p.client(ctx, dom.Name)
	if err != nil {
		return "", nil, err
	}

	var (
		result string
		fds    []int
	)
	if flags&FlagHMP != 0 {
		result, fds, err = client.HumanCommand(ctx, cmd, files)
	} else {
		result, fds, err = client.Execute(ctx, cmd, files)
	}

	if errors.Is(err, ErrDisconnected) {
		p.log.Info("Warning: QMP monitor disconnected, will redial", "domain", dom.Name, "socket", client.Path())
		p.drop(dom.Name, client)
	}
	return result, fds, err
}

// client returns the cached client for name, dialing it if needed.
func (p *Pool) client(ctx context.Context, name string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.clients[name]; ok {
		return c, nil
	}

	path, ok := p.sockets[name]
	if !ok {
		return nil, fmt.Errorf("no QMP socket configured for domain %s", name)
	}

	c, err := p.dial(ctx, path, p.timeout)
	if err != nil {
		return nil, err
	}
	p.log.V(1).Info("connected to QMP monitor", "domain", name, "socket", path)
	p.clients[name] = c
	return c, nil
}

func (p *Pool) drop(name string, c *Client) {
	p.mu.Lock()
	if p.clients[name] == c {
		delete(p.clients, name)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Close closes every client. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close QMP client for %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
