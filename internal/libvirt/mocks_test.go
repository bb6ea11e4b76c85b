package libvirt

import (
	"context"
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockDomainAPI is a mock implementation of the domainAPI interface for testing.
type mockDomainAPI struct {
	mu sync.Mutex

	// Configurable behavior
	connectListAllDomainsFunc func(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	domainLookupByNameFunc    func(name string) (libvirt.Domain, error)
	domainGetStateFunc        func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	domainGetInfoFunc         func(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	domainGetAutostartFunc    func(dom libvirt.Domain) (int32, error)
	domainGetXMLDescFunc      func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)

	// Call tracking
	connectListAllDomainsCalls int
	domainLookupByNameCalls    []string
	domainGetXMLDescCalls      []libvirt.Domain
}

// newMockDomainAPI creates a mock with no domains and a running state.
func newMockDomainAPI() *mockDomainAPI {
	m := &mockDomainAPI{}

	m.connectListAllDomainsFunc = func(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
		return []libvirt.Domain{}, 0, nil
	}

	m.domainLookupByNameFunc = func(name string) (libvirt.Domain, error) {
		return libvirt.Domain{}, fmt.Errorf("Domain not found: no domain with matching name '%s'", name)
	}

	// Default: domain state is running
	m.domainGetStateFunc = func(dom libvirt.Domain, flags uint32) (int32, int32, error) {
		return 1, 0, nil // VIR_DOMAIN_RUNNING = 1
	}

	// Default: 1 CPU, 1 GiB
	m.domainGetInfoFunc = func(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
		return 1, 1048576, 1048576, 1, 0, nil
	}

	m.domainGetAutostartFunc = func(dom libvirt.Domain) (int32, error) {
		return 0, nil
	}

	m.domainGetXMLDescFunc = func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
		return fmt.Sprintf("<domain type='kvm'><name>%s</name></domain>", dom.Name), nil
	}

	return m
}

func (m *mockDomainAPI) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectListAllDomainsCalls++
	return m.connectListAllDomainsFunc(needResults, flags)
}

func (m *mockDomainAPI) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainLookupByNameCalls = append(m.domainLookupByNameCalls, name)
	return m.domainLookupByNameFunc(name)
}

func (m *mockDomainAPI) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetStateFunc(dom, flags)
}

func (m *mockDomainAPI) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetInfoFunc(dom)
}

func (m *mockDomainAPI) DomainGetAutostart(dom libvirt.Domain) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetAutostartFunc(dom)
}

func (m *mockDomainAPI) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainGetXMLDescCalls = append(m.domainGetXMLDescCalls, dom)
	return m.domainGetXMLDescFunc(dom, flags)
}

// mockEventAPI is a mock implementation of the eventAPI interface for testing.
// Every stream it hands out closes when the subscribing context is done, like
// go-libvirt's.
type mockEventAPI struct {
	mu sync.Mutex

	// Configurable behavior
	domains      []libvirt.Domain
	listErr      error
	lifecycleErr error
	subscribeErr map[string]error

	// Call tracking
	subscribeCalls []string
	streams        map[string]chan libvirt.DomainEvent
	lifecycle      chan libvirt.DomainEventLifecycleMsg
	lifecycleDone  chan struct{}
}

func newMockEventAPI(domains ...libvirt.Domain) *mockEventAPI {
	return &mockEventAPI{
		domains:       domains,
		subscribeErr:  make(map[string]error),
		streams:       make(map[string]chan libvirt.DomainEvent),
		lifecycle:     make(chan libvirt.DomainEventLifecycleMsg),
		lifecycleDone: make(chan struct{}),
	}
}

func (m *mockEventAPI) SubscribeQEMUEvents(ctx context.Context, dom string) (<-chan libvirt.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls = append(m.subscribeCalls, dom)
	if dom == "" {
		return nil, fmt.Errorf("Domain not found: no domain with matching name ''")
	}
	if err := m.subscribeErr[dom]; err != nil {
		return nil, err
	}

	ch := make(chan libvirt.DomainEvent)
	m.streams[dom] = ch
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *mockEventAPI) LifecycleEvents(ctx context.Context) (<-chan libvirt.DomainEventLifecycleMsg, error) {
	if m.lifecycleErr != nil {
		return nil, m.lifecycleErr
	}

	out := make(chan libvirt.DomainEventLifecycleMsg)
	go func() {
		defer close(m.lifecycleDone)
		defer close(out)
		for {
			select {
			case msg := <-m.lifecycle:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *mockEventAPI) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	return m.domains, uint32(len(m.domains)), nil
}

// stream returns the event channel handed out for dom, or nil.
func (m *mockEventAPI) stream(dom string) chan libvirt.DomainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[dom]
}

func (m *mockEventAPI) subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribeCalls...)
}
