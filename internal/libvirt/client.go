package libvirt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// DefaultTimeout is the dial timeout used when none is given.
const DefaultTimeout = 5 * time.Second

// ConnectOption configures Connect.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	ssh SSHOptions
}

// WithSSH sets the credentials used for qemu+ssh endpoints.
func WithSSH(opts SSHOptions) ConnectOption {
	return func(o *connectOptions) {
		o.ssh = opts
	}
}

// Client wraps a go-libvirt connection to one daemon endpoint.
type Client struct {
	libvirt  *libvirt.Libvirt
	endpoint *Endpoint

	closeOnce sync.Once
	closeErr  error
}

// Connect establishes a connection to the libvirt daemon at uri.
// It returns a Client that must be closed via Close() when done.
//
// If uri is empty, defaults to qemu:///system.
// If timeout is zero, defaults to 5 seconds.
func Connect(uri string, timeout time.Duration, opts ...ConnectOption) (*Client, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	dialer, err := endpoint.Dialer(timeout, o.ssh)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare connection to %s: %w", endpoint.URI, err)
	}

	l := libvirt.NewWithDialer(dialer)
	if err := l.ConnectToURI(endpoint.ConnectURI()); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", endpoint.URI, err)
	}

	return &Client{libvirt: l, endpoint: endpoint}, nil
}

// ConnectWithContext establishes a connection with context support for cancellation.
func ConnectWithContext(ctx context.Context, uri string, timeout time.Duration, opts ...ConnectOption) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(uri, timeout, opts...)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// Don't leak a connection that completes after we gave up.
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		if err := c.libvirt.Disconnect(); err != nil {
			c.closeErr = fmt.Errorf("failed to disconnect from libvirt: %w", err)
		}
	})
	return c.closeErr
}

// Libvirt returns the underlying go-libvirt client for direct API access.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Endpoint returns the parsed endpoint this client is connected to.
func (c *Client) Endpoint() *Endpoint {
	return c.endpoint
}

// Session returns the connection as a control transport. Disconnecting the
// session closes this client.
func (c *Client) Session() *Session {
	return &Session{Libvirt: c.libvirt, client: c}
}

// Ping verifies the connection is still alive by calling a simple libvirt API.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	_, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}

// Version returns the daemon's libvirt version as major.minor.micro.
func (c *Client) Version() (string, error) {
	if c.libvirt == nil {
		return "", fmt.Errorf("client not connected")
	}

	v, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return "", fmt.Errorf("failed to get libvirt version: %w", err)
	}
	return formatVersion(v), nil
}

// formatVersion decodes libvirt's major*1000000 + minor*1000 + micro.
func formatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000)
}

// Session is a *libvirt.Libvirt whose Disconnect goes through the owning
// Client, so closing a control connection and the client is safe in any
// order.
type Session struct {
	*libvirt.Libvirt
	client *Client
}

// Disconnect closes the owning client.
func (s *Session) Disconnect() error {
	return s.client.Close()
}
