package libvirt

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultURI is used when no endpoint is configured.
	DefaultURI = "qemu:///system"

	// SystemSocket is the system daemon's socket.
	SystemSocket = "/var/run/libvirt/libvirt-sock"

	defaultTCPPort = "16509"
	defaultSSHPort = "22"
)

// Endpoint is a parsed libvirt connection URI.
//
// Supported forms:
//
//	qemu:///system
//	qemu:///session
//	qemu+unix:///system?socket=/path/to/libvirt-sock
//	qemu+tcp://host[:port]/system
//	qemu+ssh://[user@]host[:port]/system[?socket=/remote/libvirt-sock]
type Endpoint struct {
	URI       string
	Transport string // unix, tcp or ssh
	User      string
	Host      string
	Port      string
	// Path is "/system" or "/session".
	Path string
	// Socket is the daemon socket; local for unix, on the remote host for ssh.
	Socket string
}

// ParseURI parses a libvirt connection URI. An empty string means DefaultURI.
func ParseURI(raw string) (*Endpoint, error) {
	if raw == "" {
		raw = DefaultURI
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid libvirt URI %q: %w", raw, err)
	}

	driver, transport, _ := strings.Cut(u.Scheme, "+")
	if driver != "qemu" {
		return nil, fmt.Errorf("unsupported libvirt driver %q in %q", driver, raw)
	}
	if transport == "" {
		transport = "unix"
	}
	if u.Path != "/system" && u.Path != "/session" {
		return nil, fmt.Errorf("libvirt URI %q must end in /system or /session", raw)
	}

	e := &Endpoint{
		URI:       raw,
		Transport: transport,
		Host:      u.Hostname(),
		Port:      u.Port(),
		Path:      u.Path,
		Socket:    u.Query().Get("socket"),
	}
	if u.User != nil {
		e.User = u.User.Username()
	}

	switch transport {
	case "unix":
		if e.Host != "" {
			return nil, fmt.Errorf("libvirt URI %q: unix transport does not take a host", raw)
		}
		if e.Socket == "" {
			e.Socket = localSocket(e.Path)
		}
	case "tcp":
		if e.Host == "" {
			return nil, fmt.Errorf("libvirt URI %q: tcp transport requires a host", raw)
		}
		if e.Port == "" {
			e.Port = defaultTCPPort
		}
	case "ssh":
		if e.Host == "" {
			return nil, fmt.Errorf("libvirt URI %q: ssh transport requires a host", raw)
		}
		if e.Port == "" {
			e.Port = defaultSSHPort
		}
		if e.Socket == "" {
			e.Socket = SystemSocket
		}
	default:
		return nil, fmt.Errorf("unsupported libvirt transport %q in %q", transport, raw)
	}

	return e, nil
}

// ConnectURI is the URI the daemon is asked to open once the socket is up.
func (e *Endpoint) ConnectURI() libvirt.ConnectURI {
	if e.Path == "/session" {
		return libvirt.QEMUSession
	}
	return libvirt.QEMUSystem
}

// Address returns host:port for network transports.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Dialer returns the socket dialer for this endpoint.
func (e *Endpoint) Dialer(timeout time.Duration, sshOpts SSHOptions) (socket.Dialer, error) {
	switch e.Transport {
	case "unix":
		return dialers.NewLocal(
			dialers.WithSocket(e.Socket),
			dialers.WithLocalTimeout(timeout),
		), nil
	case "tcp":
		return dialers.NewRemote(e.Host,
			dialers.UsePort(e.Port),
			dialers.WithRemoteTimeout(timeout),
		), nil
	case "ssh":
		config, err := sshClientConfig(e.User, sshOpts, timeout)
		if err != nil {
			return nil, err
		}
		return &sshDialer{addr: e.Address(), socket: e.Socket, config: config}, nil
	default:
		return nil, fmt.Errorf("unsupported libvirt transport %q", e.Transport)
	}
}

func localSocket(path string) string {
	if path == "/system" {
		return SystemSocket
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	return filepath.Join(runtimeDir, "libvirt", "libvirt-sock")
}
