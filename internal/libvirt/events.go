package libvirt

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// eventAPI is the subset of *libvirt.Libvirt used to stream QEMU monitor
// events from every domain.
type eventAPI interface {
	SubscribeQEMUEvents(ctx context.Context, dom string) (<-chan libvirt.DomainEvent, error)
	LifecycleEvents(ctx context.Context) (<-chan libvirt.DomainEventLifecycleMsg, error)
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
}

// SubscribeAllQEMUEvents streams QEMU monitor events from every running
// domain until ctx is cancelled. go-libvirt only subscribes one named domain
// at a time, so the stream merges one subscription per domain and follows
// lifecycle events to pick up domains started later.
func (s *Session) SubscribeAllQEMUEvents(ctx context.Context) (<-chan libvirt.DomainEvent, error) {
	return subscribeAllWithDeps(ctx, s.Libvirt)
}

func subscribeAllWithDeps(ctx context.Context, lv eventAPI) (<-chan libvirt.DomainEvent, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Watch lifecycle events before listing so a domain started in between
	// is seen at least once.
	lifecycle, err := lv.LifecycleEvents(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}

	domains, _, err := lv.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		cancel()
		drainLifecycle(lifecycle)
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	f := &eventFanIn{
		ctx:    ctx,
		lv:     lv,
		out:    make(chan libvirt.DomainEvent),
		active: make(map[libvirt.UUID]bool),
	}
	for _, dom := range domains {
		f.add(dom)
	}

	go func() {
		defer close(f.out)
		defer f.wg.Wait()
		defer cancel()

		for msg := range lifecycle {
			if libvirt.DomainEventType(msg.Event) == libvirt.DomainEventStarted {
				f.add(msg.Dom)
			}
		}
	}()

	return f.out, nil
}

// eventFanIn merges per-domain event streams into out. Only the goroutine
// reading lifecycle events calls add once the fan-in is running.
type eventFanIn struct {
	ctx context.Context
	lv  eventAPI
	out chan libvirt.DomainEvent
	wg  sync.WaitGroup

	mu     sync.Mutex
	active map[libvirt.UUID]bool
}

func (f *eventFanIn) add(dom libvirt.Domain) {
	f.mu.Lock()
	if f.active[dom.UUID] {
		f.mu.Unlock()
		return
	}
	f.active[dom.UUID] = true
	f.mu.Unlock()

	events, err := f.lv.SubscribeQEMUEvents(f.ctx, dom.Name)
	if err != nil {
		f.done(dom.UUID)
		if f.ctx.Err() == nil {
			log.Printf("Warning: failed to subscribe to events of domain %s: %v", dom.Name, err)
		}
		return
	}

	f.wg.Add(1)
	go f.forward(dom.UUID, events)
}

// forward copies one domain's events to out. It keeps draining after ctx is
// cancelled so go-libvirt's sender can observe the cancellation and close.
func (f *eventFanIn) forward(id libvirt.UUID, events <-chan libvirt.DomainEvent) {
	defer f.wg.Done()
	defer f.done(id)

	for ev := range events {
		select {
		case f.out <- ev:
		case <-f.ctx.Done():
		}
	}
}

// done forgets a domain so a later start subscribes it again.
func (f *eventFanIn) done(id libvirt.UUID) {
	f.mu.Lock()
	delete(f.active, id)
	f.mu.Unlock()
}

func drainLifecycle(ch <-chan libvirt.DomainEventLifecycleMsg) {
	go func() {
		for range ch {
		}
	}()
}
