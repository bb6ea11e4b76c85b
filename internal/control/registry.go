package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/digitalocean/go-libvirt"
)

// SubscriptionState is the lifecycle state of an event subscription.
type SubscriptionState int32

const (
	StateRegistered SubscriptionState = iota
	StateDelivering
	StateDeregistered
)

func (s SubscriptionState) String() string {
	switch s {
	case StateRegistered:
		return "Registered"
	case StateDelivering:
		return "Delivering"
	case StateDeregistered:
		return "Deregistered"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

type subscription struct {
	id         int
	domain     string
	domainUUID libvirt.UUID
	filtered   bool
	filter     eventFilter
	handler    EventHandler
	opaque     any
	cancel     context.CancelFunc
	state      atomic.Int32
}

func (s *subscription) setState(st SubscriptionState) {
	s.state.Store(int32(st))
}

func (s *subscription) getState() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// registry owns the callback ID -> subscription map of one connection.
// Every access goes through mu.
type registry struct {
	conn *Connection

	mu     sync.Mutex
	nextID int
	closed bool
	subs   map[int]*subscription
}

func newRegistry(conn *Connection) *registry {
	return &registry{
		conn: conn,
		subs: make(map[int]*subscription),
	}
}

// Register subscribes handler to QEMU monitor events and returns the callback
// ID.
//
// A nil domain subscribes to events from every domain. An empty event name
// matches every event; flags may select regular-expression and
// case-insensitive matching. opaque is handed back unchanged in
// Event.Context and is retained until Deregister or Close.
func (c *Connection) Register(ctx context.Context, d *Domain, event string, handler EventHandler, opaque any, flags uint32) (int, error) {
	const op = "register-event"
	if !c.Alive() {
		return -1, newError(op, nameOf(d), ErrRegistration, ErrConnectionInvalid)
	}
	if handler == nil {
		return -1, argumentErrorf(op, nameOf(d), "nil handler")
	}
	filter, err := newEventFilter(event, flags)
	if err != nil {
		return -1, newError(op, nameOf(d), ErrArgument, err)
	}

	s := &subscription{
		filter:  filter,
		handler: handler,
		opaque:  opaque,
	}
	if d != nil {
		dom, err := c.resolve(op, d)
		if err != nil {
			return -1, err
		}
		s.domain = dom.Name
		s.domainUUID = dom.UUID
		s.filtered = true
	}

	if err := ctx.Err(); err != nil {
		return -1, newError(op, s.domain, ErrRegistration, err)
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel

	var events <-chan libvirt.DomainEvent
	c.blocking(func() {
		if s.filtered {
			events, err = c.transport.SubscribeQEMUEvents(subCtx, s.domain)
		} else {
			events, err = c.transport.SubscribeAllQEMUEvents(subCtx)
		}
	})
	if err != nil {
		cancel()
		if isDisconnect(err) {
			c.alive.Store(false)
		}
		return -1, newError(op, s.domain, ErrRegistration, err)
	}

	id, ok := c.registry.add(s)
	if !ok {
		cancel()
		return -1, newError(op, s.domain, ErrRegistration, ErrConnectionInvalid)
	}
	c.observer.SubscriptionsChanged(1)

	go c.registry.pump(s, events)

	c.log.V(1).Info("registered event handler", "callbackID", id, "domain", s.domain, "event", event)
	return id, nil
}

// Deregister removes the subscription with the given callback ID. Deliveries
// already running finish; no new deliveries start. Deregistering an unknown
// or already deregistered ID fails with ErrRegistration.
func (c *Connection) Deregister(_ context.Context, callbackID int) error {
	const op = "deregister-event"

	s := c.registry.remove(callbackID)
	if s == nil {
		return newError(op, "", ErrRegistration, fmt.Errorf("unknown callback ID %d", callbackID))
	}
	s.setState(StateDeregistered)
	s.cancel()
	c.observer.SubscriptionsChanged(-1)

	c.log.V(1).Info("deregistered event handler", "callbackID", callbackID)
	return nil
}

// Subscriptions returns the number of active subscriptions.
func (c *Connection) Subscriptions() int {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	return len(c.registry.subs)
}

// SubscriptionState returns the state of an active subscription.
func (c *Connection) SubscriptionState(callbackID int) (SubscriptionState, bool) {
	c.registry.mu.Lock()
	s, ok := c.registry.subs[callbackID]
	c.registry.mu.Unlock()
	if !ok {
		return StateDeregistered, false
	}
	return s.getState(), true
}

func (r *registry) add(s *subscription) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return -1, false
	}
	s.id = r.nextID
	r.nextID++
	r.subs[s.id] = s
	return s.id, true
}

func (r *registry) remove(id int) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[id]
	if !ok {
		return nil
	}
	delete(r.subs, id)
	return s
}

func (r *registry) lookup(id int) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// teardown drops every subscription. IDs are never reused afterwards.
func (r *registry) teardown() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[int]*subscription)
	r.closed = true
	r.mu.Unlock()

	for _, s := range subs {
		s.setState(StateDeregistered)
		s.cancel()
	}
	if len(subs) > 0 {
		r.conn.observer.SubscriptionsChanged(-len(subs))
	}
}

// pump forwards one subscription's event stream to its handler. Deliveries
// for one subscription are therefore serialized.
func (r *registry) pump(s *subscription, events <-chan libvirt.DomainEvent) {
	for ev := range events {
		r.deliver(s.id, ev)
	}

	if s.getState() != StateDeregistered && r.conn.Alive() {
		r.conn.log.Info("Warning: event stream closed by transport", "callbackID", s.id, "domain", s.domain)
	}
}

// deliver dispatches one event to the subscription registered under id.
// It never panics and never returns an error to the transport.
func (r *registry) deliver(id int, ev libvirt.DomainEvent) {
	s := r.lookup(id)
	if s == nil {
		return
	}
	if s.filtered && ev.Domain.UUID != s.domainUUID {
		return
	}
	if !s.filter.match(ev.Event) {
		return
	}

	conn := r.conn
	conn.exec.Lock()
	defer conn.exec.Unlock()

	// Deregistered while waiting for the execution lock.
	if !s.state.CompareAndSwap(int32(StateRegistered), int32(StateDelivering)) {
		return
	}
	defer s.state.CompareAndSwap(int32(StateDelivering), int32(StateRegistered))

	dom := conn.domains.open(ev.Domain)
	defer dom.Release()

	event := &Event{
		CallbackID: id,
		Domain:     dom,
		Name:       ev.Event,
		Seconds:    int64(ev.Seconds),
		Micros:     ev.Microseconds,
		Details:    string(ev.Details),
		Context:    s.opaque,
	}

	if err := invokeHandler(s.handler, event); err != nil {
		conn.log.Error(err, "event handler failed", "callbackID", id, "domain", dom.Name(), "event", ev.Event)
		conn.observer.HandlerFailed(ev.Event)
		return
	}
	conn.observer.EventDelivered(ev.Event)
}

func invokeHandler(handler EventHandler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ev)
}
