package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// testDomain returns a libvirt domain with a UUID derived from its name.
func testDomain(name string) libvirt.Domain {
	return libvirt.Domain{
		Name: name,
		UUID: libvirt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))),
		ID:   1,
	}
}

// eventStream is one subscription's channel as seen by the mock transport.
type eventStream struct {
	domain string

	mu     sync.Mutex
	ch     chan libvirt.DomainEvent
	closed bool
}

// send pushes an event unless the stream has been closed.
func (s *eventStream) send(ev libvirt.DomainEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- ev
	return true
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *eventStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockTransport is a mock implementation of Transport and FileTransport.
type mockTransport struct {
	mu sync.Mutex

	// Configurable behavior
	monitorCommandFunc   func(dom libvirt.Domain, cmd string, flags uint32) (string, error)
	agentCommandFunc     func(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error)
	subscribeFunc        func(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error)
	lookupByNameFunc     func(name string) (libvirt.Domain, error)
	lookupByUUIDFunc     func(id libvirt.UUID) (libvirt.Domain, error)
	commandWithFilesFunc func(dom libvirt.Domain, cmd string, files []int, flags uint32) (string, []int, error)

	// Call tracking
	monitorCommandCalls   []string
	monitorCommandFlags   []uint32
	agentCommandCalls     []string
	agentCommandTimeouts  []int32
	subscribeCalls        []string
	subscribeAllCalls     int
	lookupByNameCalls     []string
	commandWithFilesCalls [][]int
	disconnectCalls       int

	streams []*eventStream
}

// newMockTransport creates a mock transport where every domain exists,
// commands echo, and subscriptions produce streams driven by the test.
func newMockTransport() *mockTransport {
	m := &mockTransport{}

	m.monitorCommandFunc = func(dom libvirt.Domain, cmd string, flags uint32) (string, error) {
		return fmt.Sprintf(`{"return":{},"id":"%s"}`, dom.Name), nil
	}

	m.agentCommandFunc = func(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
		return libvirt.OptString{`{"return":{}}`}, nil
	}

	m.subscribeFunc = func(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
		s := &eventStream{domain: domain, ch: make(chan libvirt.DomainEvent, 16)}
		m.mu.Lock()
		m.streams = append(m.streams, s)
		m.mu.Unlock()

		go func() {
			<-ctx.Done()
			s.close()
		}()
		return s.ch, nil
	}

	m.lookupByNameFunc = func(name string) (libvirt.Domain, error) {
		return testDomain(name), nil
	}

	m.lookupByUUIDFunc = func(id libvirt.UUID) (libvirt.Domain, error) {
		return libvirt.Domain{Name: "by-uuid", UUID: id}, nil
	}

	m.commandWithFilesFunc = func(dom libvirt.Domain, cmd string, files []int, flags uint32) (string, []int, error) {
		return `{"return":{}}`, nil, nil
	}

	return m
}

func (m *mockTransport) QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error) {
	m.mu.Lock()
	m.monitorCommandCalls = append(m.monitorCommandCalls, cmd)
	m.monitorCommandFlags = append(m.monitorCommandFlags, flags)
	fn := m.monitorCommandFunc
	m.mu.Unlock()
	return fn(dom, cmd, flags)
}

func (m *mockTransport) QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
	m.mu.Lock()
	m.agentCommandCalls = append(m.agentCommandCalls, cmd)
	m.agentCommandTimeouts = append(m.agentCommandTimeouts, timeout)
	fn := m.agentCommandFunc
	m.mu.Unlock()
	return fn(dom, cmd, timeout, flags)
}

// SubscribeQEMUEvents resolves the name before subscribing, like go-libvirt,
// so an empty or unknown name fails.
func (m *mockTransport) SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
	m.mu.Lock()
	m.subscribeCalls = append(m.subscribeCalls, domain)
	lookup := m.lookupByNameFunc
	fn := m.subscribeFunc
	m.mu.Unlock()

	if domain == "" {
		return nil, fmt.Errorf("Domain not found: no domain with matching name ''")
	}
	if _, err := lookup(domain); err != nil {
		return nil, err
	}
	return fn(ctx, domain)
}

func (m *mockTransport) SubscribeAllQEMUEvents(ctx context.Context) (<-chan libvirt.DomainEvent, error) {
	m.mu.Lock()
	m.subscribeAllCalls++
	fn := m.subscribeFunc
	m.mu.Unlock()
	return fn(ctx, "")
}

func (m *mockTransport) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	m.lookupByNameCalls = append(m.lookupByNameCalls, name)
	fn := m.lookupByNameFunc
	m.mu.Unlock()
	return fn(name)
}

func (m *mockTransport) DomainLookupByUUID(id libvirt.UUID) (libvirt.Domain, error) {
	m.mu.Lock()
	fn := m.lookupByUUIDFunc
	m.mu.Unlock()
	return fn(id)
}

func (m *mockTransport) MonitorCommandWithFiles(dom libvirt.Domain, cmd string, files []int, flags uint32) (string, []int, error) {
	m.mu.Lock()
	m.commandWithFilesCalls = append(m.commandWithFilesCalls, files)
	fn := m.commandWithFilesFunc
	m.mu.Unlock()
	return fn(dom, cmd, files, flags)
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	return nil
}

// stream returns the i-th subscription stream.
func (m *mockTransport) stream(i int) *eventStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.streams) {
		return nil
	}
	return m.streams[i]
}

func (m *mockTransport) monitorCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.monitorCommandCalls)
}

// plainTransport hides the FileTransport and Disconnect methods of a mock.
type plainTransport struct {
	m *mockTransport
}

func (p plainTransport) QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error) {
	return p.m.QEMUDomainMonitorCommand(dom, cmd, flags)
}

func (p plainTransport) QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
	return p.m.QEMUDomainAgentCommand(dom, cmd, timeout, flags)
}

func (p plainTransport) SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error) {
	return p.m.SubscribeQEMUEvents(ctx, domain)
}

func (p plainTransport) SubscribeAllQEMUEvents(ctx context.Context) (<-chan libvirt.DomainEvent, error) {
	return p.m.SubscribeAllQEMUEvents(ctx)
}

func (p plainTransport) DomainLookupByName(name string) (libvirt.Domain, error) {
	return p.m.DomainLookupByName(name)
}

func (p plainTransport) DomainLookupByUUID(id libvirt.UUID) (libvirt.Domain, error) {
	return p.m.DomainLookupByUUID(id)
}

// domainEvent builds a transport event for dom.
func domainEvent(dom libvirt.Domain, name string, seconds uint64, micros uint32, details string) libvirt.DomainEvent {
	return libvirt.DomainEvent{
		Domain:       dom,
		Event:        name,
		Seconds:      seconds,
		Microseconds: micros,
		Details:      []byte(details),
	}
}
