// Package control is a client for the out-of-band control channels of
// QEMU virtual machines managed by libvirt.
//
// It provides:
//   - Connection: a session over a Transport (satisfied by libvirt.Session)
//   - Domain: reference-counted handles to virtual machines
//   - Command dispatch: QEMU monitor commands, guest agent commands and
//     monitor commands that pass file descriptors
//   - Event subscriptions: handlers for QEMU monitor events, identified by
//     integer callback IDs
//
// Basic usage:
//
//	client, err := libvirt.Connect(endpoint, 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	conn := control.New(client.Session(), control.WithLogger(log))
//	defer conn.Close()
//
//	dom, err := conn.LookupDomain(ctx, "web-1")
//	if err != nil {
//	    return err
//	}
//	defer dom.Release()
//
//	reply, err := conn.MonitorCommand(ctx, dom, `{"execute":"query-status"}`, 0)
//
// Events:
//
//	id, err := conn.Register(ctx, dom, "BLOCK_JOB_COMPLETED", func(ev *control.Event) error {
//	    log.Info("job done", "details", ev.Details)
//	    return nil
//	}, nil, 0)
//	...
//	err = conn.Deregister(ctx, id)
//
// Concurrency:
//
// Command methods block for the round trip. Each subscription has its own
// delivery goroutine, and every handler call runs under the connection's
// execution lock, so handlers never run concurrently with each other. When
// the embedding environment supplies its own lock with WithExecutionLock,
// command methods release it while they block so handlers can run.
//
// Errors:
//
// All errors wrap one of ErrConnectionInvalid, ErrDomainInvalid, ErrArgument,
// ErrCommand, ErrRegistration or ErrResourceExhausted. Nothing is retried.
package control
