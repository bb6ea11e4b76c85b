package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/conduit/internal/control"
	libvirtclient "github.com/jbweber/conduit/internal/libvirt"
)

// mockController is a mock implementation of the Controller interface for testing.
type mockController struct {
	mu sync.Mutex

	// Configurable behavior
	inspectFunc     func(ctx context.Context, domain string) (*libvirtclient.DomainInfo, error)
	monitorFunc     func(ctx context.Context, domain, command string, flags uint32) (string, error)
	agentFunc       func(ctx context.Context, domain, command string, timeout int) (string, error)
	subscribeFunc   func(ctx context.Context, domain, event string, flags uint32, handler control.EventHandler) (int, error)
	unsubscribeFunc func(ctx context.Context, id int) error

	// Call tracking
	monitorCalls     []string
	monitorFlags     []uint32
	agentTimeouts    []int
	subscribeFlags   []uint32
	unsubscribeCalls []int
}

func newMockController() *mockController {
	m := &mockController{}

	m.inspectFunc = func(ctx context.Context, domain string) (*libvirtclient.DomainInfo, error) {
		return nil, &control.Error{Op: "lookup-domain", Domain: domain, Kind: control.ErrDomainInvalid}
	}
	m.monitorFunc = func(ctx context.Context, domain, command string, flags uint32) (string, error) {
		return `{"return":{}}`, nil
	}
	m.agentFunc = func(ctx context.Context, domain, command string, timeout int) (string, error) {
		return `{"return":{}}`, nil
	}
	m.subscribeFunc = func(ctx context.Context, domain, event string, flags uint32, handler control.EventHandler) (int, error) {
		return 1, nil
	}
	m.unsubscribeFunc = func(ctx context.Context, id int) error {
		return nil
	}

	return m
}

func (m *mockController) Inspect(ctx context.Context, domain string) (*libvirtclient.DomainInfo, error) {
	m.mu.Lock()
	fn := m.inspectFunc
	m.mu.Unlock()
	return fn(ctx, domain)
}

func (m *mockController) MonitorCommand(ctx context.Context, domain, command string, flags uint32) (string, error) {
	m.mu.Lock()
	m.monitorCalls = append(m.monitorCalls, command)
	m.monitorFlags = append(m.monitorFlags, flags)
	fn := m.monitorFunc
	m.mu.Unlock()
	return fn(ctx, domain, command, flags)
}

func (m *mockController) AgentCommand(ctx context.Context, domain, command string, timeout int) (string, error) {
	m.mu.Lock()
	m.agentTimeouts = append(m.agentTimeouts, timeout)
	fn := m.agentFunc
	m.mu.Unlock()
	return fn(ctx, domain, command, timeout)
}

func (m *mockController) Subscribe(ctx context.Context, domain, event string, flags uint32, handler control.EventHandler) (int, error) {
	m.mu.Lock()
	m.subscribeFlags = append(m.subscribeFlags, flags)
	fn := m.subscribeFunc
	m.mu.Unlock()
	return fn(ctx, domain, event, flags, handler)
}

func (m *mockController) Unsubscribe(ctx context.Context, id int) error {
	m.mu.Lock()
	m.unsubscribeCalls = append(m.unsubscribeCalls, id)
	fn := m.unsubscribeFunc
	m.mu.Unlock()
	return fn(ctx, id)
}

func (m *mockController) unsubscribed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.unsubscribeCalls...)
}

// fakeTransport serves a fixed set of domains for ConnectionController tests.
type fakeTransport struct {
	mu      sync.Mutex
	domains map[string]libvirt.Domain
	events  chan libvirt.DomainEvent

	allSubscribed int
}

func newFakeTransport(names ...string) *fakeTransport {
	t := &fakeTransport{
		domains: make(map[string]libvirt.Domain),
		events:  make(chan libvirt.DomainEvent, 8),
	}
	for i, name := range names {
		var id libvirt.UUID
		id[0] = byte(i + 1)
		t.domains[name] = libvirt.Domain{Name: name, UUID: id, ID: int32(i + 1)}
	}
	return t
}

func (t *fakeTransport) QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error) {
	if flags&control.MonitorCommandHMP != 0 {
		return "VM status: running\r\n", nil
	}
	return fmt.Sprintf(`{"return":{},"domain":%q}`, dom.Name), nil
}

func (t *fakeTransport) QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
	return libvirt.OptString{`{"return":{}}`}, nil
}

func (t *fakeTransport) SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
	if _, err := t.DomainLookupByName(domain); err != nil {
		return nil, err
	}
	return t.events, nil
}

func (t *fakeTransport) SubscribeAllQEMUEvents(ctx context.Context) (<-chan libvirt.DomainEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allSubscribed++
	return t.events, nil
}

func (t *fakeTransport) DomainLookupByName(name string) (libvirt.Domain, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dom, ok := t.domains[name]
	if !ok {
		return libvirt.Domain{}, fmt.Errorf("Domain not found: no domain with matching name '%s'", name)
	}
	return dom, nil
}

func (t *fakeTransport) DomainLookupByUUID(id libvirt.UUID) (libvirt.Domain, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, dom := range t.domains {
		if dom.UUID == id {
			return dom, nil
		}
	}
	return libvirt.Domain{}, fmt.Errorf("Domain not found")
}

// fakeInspector returns a fixed record for any domain.
type fakeInspector struct {
	err error
}

func (f fakeInspector) Inspect(ctx context.Context, name string) (*libvirtclient.DomainInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &libvirtclient.DomainInfo{Name: name, State: "running"}, nil
}

func (m *mockController) monitored() ([]string, []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.monitorCalls...), append([]uint32(nil), m.monitorFlags...)
}

func (m *mockController) agentTimeoutsSeen() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.agentTimeouts...)
}

func (m *mockController) subscribed() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.subscribeFlags...)
}
