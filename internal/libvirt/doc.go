// Package libvirt provides the connection layer between conduit and a libvirt
// daemon.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - URI parsing for qemu:///system, qemu:///session, qemu+unix, qemu+tcp
//     and qemu+ssh endpoints
//   - Connection management (connect, disconnect, ping, version)
//   - Domain listing and inspection, including the guest agent channel
//
// Connection Management:
//
// The Client dials the endpoint named by a libvirt URI. An empty URI means
// qemu:///system over the local socket:
//
//	client, err := libvirt.Connect("qemu+ssh://root@hv1/system", 5*time.Second,
//	    libvirt.WithSSH(libvirt.SSHOptions{KeyFile: "~/.ssh/id_ed25519"}))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// SSH endpoints forward a direct-streamlocal channel to the remote daemon
// socket, so no libvirt binaries are needed on either side.
//
// Control Channel:
//
// Session returns the connection in the shape expected by internal/control.
// Its Disconnect closes the Client, so either side may close first:
//
//	conn := control.New(client.Session(), control.WithEndpoint(client.Endpoint().URI))
//
// go-libvirt subscribes QEMU monitor events one named domain at a time.
// Session.SubscribeAllQEMUEvents merges one subscription per running domain
// and follows lifecycle events to add domains as they start.
//
// Consumer-Side Interfaces:
//
// ListDomains and Inspect go through the unexported domainAPI interface,
// which *libvirt.Libvirt satisfies implicitly. Tests substitute a mock through
// the listWithDeps and inspectWithDeps entry points. The all-domain event
// stream does the same through eventAPI and subscribeAllWithDeps.
package libvirt
