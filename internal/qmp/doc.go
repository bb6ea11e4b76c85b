// Package qmp is a minimal QEMU Machine Protocol client for monitor sockets
// that the management daemon does not own, typically added to a domain with
// an extra -qmp option.
//
// Unlike the daemon's RPC, a direct monitor socket can carry file
// descriptors: Execute and HumanCommand send descriptors with SCM_RIGHTS and
// return any descriptors that arrive before the reply. Pool implements
// control.FileTransport on top of a domain to socket mapping.
package qmp
