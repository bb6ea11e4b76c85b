package control

import (
	"context"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// Transport is the set of libvirt RPC operations the control client needs.
//
// In production, this is satisfied by internal/libvirt's Session, which is a
// *libvirt.Libvirt plus an all-domain event stream.
// In tests, this is satisfied by mock implementations.
type Transport interface {
	// QEMUDomainMonitorCommand sends a command to the domain's QEMU monitor
	QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error)

	// QEMUDomainAgentCommand sends a command to the domain's guest agent
	QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error)

	// SubscribeQEMUEvents streams QEMU monitor events of the named domain
	// until ctx is cancelled. Unknown names fail.
	SubscribeQEMUEvents(ctx context.Context, domain string) (<-chan libvirt.DomainEvent, error)

	// SubscribeAllQEMUEvents streams QEMU monitor events of every domain
	// until ctx is cancelled.
	SubscribeAllQEMUEvents(ctx context.Context) (<-chan libvirt.DomainEvent, error)

	// DomainLookupByName looks up a domain by name
	DomainLookupByName(name string) (libvirt.Domain, error)

	// DomainLookupByUUID looks up a domain by UUID
	DomainLookupByUUID(uuid libvirt.UUID) (libvirt.Domain, error)
}

// FileTransport is implemented by transports that can pass file descriptors
// alongside a monitor command. Input descriptors remain owned by the caller;
// returned descriptors are owned by the receiver.
type FileTransport interface {
	MonitorCommandWithFiles(dom libvirt.Domain, cmd string, files []int, flags uint32) (string, []int, error)
}

// Observer receives notifications about dispatcher and registry activity.
// internal/metrics provides a Prometheus implementation.
type Observer interface {
	CommandCompleted(kind string, duration time.Duration, err error)
	EventDelivered(event string)
	HandlerFailed(event string)
	SubscriptionsChanged(delta int)
}

type nopObserver struct{}

func (nopObserver) CommandCompleted(string, time.Duration, error) {}
func (nopObserver) EventDelivered(string)                          {}
func (nopObserver) HandlerFailed(string)                           {}
func (nopObserver) SubscriptionsChanged(int)                       {}
