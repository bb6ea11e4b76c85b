package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// Domain is a handle to one virtual machine under a Connection.
//
// Handles are reference counted per machine: every lookup of the same machine
// and every Ref shares one table entry. Release drops this handle's reference;
// it never affects the machine itself. A released handle fails every
// operation with ErrDomainInvalid.
type Domain struct {
	conn     *Connection
	id       uint64
	name     string
	uuid     uuid.UUID
	released atomic.Bool
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.name
}

// UUID returns the domain UUID.
func (d *Domain) UUID() uuid.UUID {
	return d.uuid
}

// Connection returns the owning connection.
func (d *Domain) Connection() *Connection {
	return d.conn
}

// Ref returns an additional handle to the same machine.
func (d *Domain) Ref() (*Domain, error) {
	if d.released.Load() {
		return nil, newError("ref", d.name, ErrDomainInvalid, nil)
	}
	return d.conn.domains.acquire(d.id)
}

// Release drops this handle. Releasing an already released handle is a no-op.
func (d *Domain) Release() {
	if d.released.CompareAndSwap(false, true) {
		d.conn.domains.release(d.id)
	}
}

// LookupDomain returns a handle to the named domain.
func (c *Connection) LookupDomain(ctx context.Context, name string) (*Domain, error) {
	const op = "lookup-domain"
	if err := c.check(op, name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(op, name, ErrCommand, err)
	}

	var (
		dom libvirt.Domain
		err error
	)
	c.blocking(func() {
		dom, err = c.transport.DomainLookupByName(name)
	})
	if err != nil {
		return nil, c.transportError(op, name, ErrDomainInvalid, err)
	}

	return c.domains.open(dom), nil
}

// LookupDomainByUUID returns a handle to the domain with the given UUID.
func (c *Connection) LookupDomainByUUID(ctx context.Context, id uuid.UUID) (*Domain, error) {
	const op = "lookup-domain"
	if err := c.check(op, id.String()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(op, id.String(), ErrCommand, err)
	}

	var (
		dom libvirt.Domain
		err error
	)
	c.blocking(func() {
		dom, err = c.transport.DomainLookupByUUID(libvirt.UUID(id))
	})
	if err != nil {
		return nil, c.transportError(op, id.String(), ErrDomainInvalid, err)
	}

	return c.domains.open(dom), nil
}

// OpenDomains returns the number of machines with at least one live handle.
func (c *Connection) OpenDomains() int {
	return c.domains.len()
}

// resolve returns the transport value behind a handle.
func (c *Connection) resolve(op string, d *Domain) (libvirt.Domain, error) {
	if d == nil {
		return libvirt.Domain{}, newError(op, "", ErrDomainInvalid, fmt.Errorf("nil domain"))
	}
	if d.conn != c {
		return libvirt.Domain{}, newError(op, d.name, ErrDomainInvalid, fmt.Errorf("domain belongs to another connection"))
	}
	if d.released.Load() {
		return libvirt.Domain{}, newError(op, d.name, ErrDomainInvalid, fmt.Errorf("handle released"))
	}
	dom, ok := c.domains.get(d.id)
	if !ok {
		return libvirt.Domain{}, newError(op, d.name, ErrDomainInvalid, nil)
	}
	return dom, nil
}

type domainEntry struct {
	dom  libvirt.Domain
	refs int
}

// handleTable is the side table behind Domain handles.
type handleTable struct {
	conn *Connection

	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*domainEntry
	byUUID map[libvirt.UUID]uint64
}

func newHandleTable(conn *Connection) *handleTable {
	return &handleTable{
		conn:   conn,
		nextID: 1,
		byID:   make(map[uint64]*domainEntry),
		byUUID: make(map[libvirt.UUID]uint64),
	}
}

// open returns a new handle for dom, sharing the entry of any live handle to
// the same machine.
func (t *handleTable) open(dom libvirt.Domain) *Domain {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byUUID[dom.UUID]
	if ok {
		entry := t.byID[id]
		entry.refs++
		// Names can change under the same UUID; keep the freshest view.
		entry.dom = dom
	} else {
		id = t.nextID
		t.nextID++
		t.byID[id] = &domainEntry{dom: dom, refs: 1}
		t.byUUID[dom.UUID] = id
	}

	return t.handle(id, dom)
}

func (t *handleTable) acquire(id uint64) (*Domain, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[id]
	if !ok {
		return nil, newError("ref", "", ErrDomainInvalid, nil)
	}
	entry.refs++
	return t.handle(id, entry.dom), nil
}

func (t *handleTable) handle(id uint64, dom libvirt.Domain) *Domain {
	return &Domain{
		conn: t.conn,
		id:   id,
		name: dom.Name,
		uuid: uuid.UUID(dom.UUID),
	}
}

func (t *handleTable) release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(t.byID, id)
		delete(t.byUUID, entry.dom.UUID)
	}
}

func (t *handleTable) get(id uint64) (libvirt.Domain, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[id]
	if !ok {
		return libvirt.Domain{}, false
	}
	return entry.dom, true
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
