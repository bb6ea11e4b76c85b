package api

import (
	"context"

	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/libvirt"
)

// Controller is the set of control operations the proxy exposes. Domains are
// addressed by name; handles are looked up and released per request.
type Controller interface {
	Inspect(ctx context.Context, domain string) (*libvirt.DomainInfo, error)
	MonitorCommand(ctx context.Context, domain, command string, flags uint32) (string, error)
	AgentCommand(ctx context.Context, domain, command string, timeout int) (string, error)
	// Subscribe registers handler for events. An empty domain subscribes to
	// every domain.
	Subscribe(ctx context.Context, domain, event string, flags uint32, handler control.EventHandler) (int, error)
	Unsubscribe(ctx context.Context, id int) error
}

// Inspector returns the inspection record of a domain.
// In production, this is satisfied by *libvirt.Client.
type Inspector interface {
	Inspect(ctx context.Context, name string) (*libvirt.DomainInfo, error)
}

// ConnectionController implements Controller on top of a control.Connection.
type ConnectionController struct {
	conn      *control.Connection
	inspector Inspector
}

var _ Controller = (*ConnectionController)(nil)

// NewController creates a Controller backed by conn.
func NewController(conn *control.Connection, inspector Inspector) *ConnectionController {
	return &ConnectionController{conn: conn, inspector: inspector}
}

func (c *ConnectionController) withDomain(ctx context.Context, name string, fn func(d *control.Domain) error) error {
	d, err := c.conn.LookupDomain(ctx, name)
	if err != nil {
		return err
	}
	defer d.Release()
	return fn(d)
}

// Inspect looks the domain up through the connection first, so an unknown
// name reports control.ErrDomainInvalid like every other operation.
func (c *ConnectionController) Inspect(ctx context.Context, domain string) (*libvirt.DomainInfo, error) {
	if err := c.withDomain(ctx, domain, func(*control.Domain) error { return nil }); err != nil {
		return nil, err
	}

	info, err := c.inspector.Inspect(ctx, domain)
	if err != nil {
		return nil, &control.Error{Op: "inspect", Domain: domain, Kind: control.ErrCommand, Err: err}
	}
	return info, nil
}

func (c *ConnectionController) MonitorCommand(ctx context.Context, domain, command string, flags uint32) (string, error) {
	var result string
	err := c.withDomain(ctx, domain, func(d *control.Domain) error {
		var err error
		result, err = c.conn.MonitorCommand(ctx, d, command, flags)
		return err
	})
	return result, err
}

func (c *ConnectionController) AgentCommand(ctx context.Context, domain, command string, timeout int) (string, error) {
	var result string
	err := c.withDomain(ctx, domain, func(d *control.Domain) error {
		var err error
		result, err = c.conn.AgentCommand(ctx, d, command, timeout, 0)
		return err
	})
	return result, err
}

func (c *ConnectionController) Subscribe(ctx context.Context, domain, event string, flags uint32, handler control.EventHandler) (int, error) {
	if domain == "" {
		return c.conn.Register(ctx, nil, event, handler, nil, flags)
	}

	id := -1
	err := c.withDomain(ctx, domain, func(d *control.Domain) error {
		var err error
		id, err = c.conn.Register(ctx, d, event, handler, nil, flags)
		return err
	})
	return id, err
}

func (c *ConnectionController) Unsubscribe(ctx context.Context, id int) error {
	return c.conn.Deregister(ctx, id)
}
