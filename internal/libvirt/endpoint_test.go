package libvirt

import (
	"net"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

func TestParseURI(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	tests := []struct {
		name    string
		uri     string
		want    Endpoint
		wantErr bool
	}{
		{
			name: "empty defaults to system",
			uri:  "",
			want: Endpoint{URI: DefaultURI, Transport: "unix", Path: "/system", Socket: SystemSocket},
		},
		{
			name: "system",
			uri:  "qemu:///system",
			want: Endpoint{URI: "qemu:///system", Transport: "unix", Path: "/system", Socket: SystemSocket},
		},
		{
			name: "session",
			uri:  "qemu:///session",
			want: Endpoint{URI: "qemu:///session", Transport: "unix", Path: "/session", Socket: "/run/user/1000/libvirt/libvirt-sock"},
		},
		{
			name: "unix with socket",
			uri:  "qemu+unix:///system?socket=/tmp/libvirt-sock",
			want: Endpoint{URI: "qemu+unix:///system?socket=/tmp/libvirt-sock", Transport: "unix", Path: "/system", Socket: "/tmp/libvirt-sock"},
		},
		{
			name: "tcp default port",
			uri:  "qemu+tcp://hv1.example.com/system",
			want: Endpoint{URI: "qemu+tcp://hv1.example.com/system", Transport: "tcp", Host: "hv1.example.com", Port: "16509", Path: "/system"},
		},
		{
			name: "tcp explicit port",
			uri:  "qemu+tcp://10.0.0.5:16514/system",
			want: Endpoint{URI: "qemu+tcp://10.0.0.5:16514/system", Transport: "tcp", Host: "10.0.0.5", Port: "16514", Path: "/system"},
		},
		{
			name: "ssh with user",
			uri:  "qemu+ssh://root@hv1.example.com/system",
			want: Endpoint{URI: "qemu+ssh://root@hv1.example.com/system", Transport: "ssh", User: "root", Host: "hv1.example.com", Port: "22", Path: "/system", Socket: SystemSocket},
		},
		{
			name: "ssh with port and socket",
			uri:  "qemu+ssh://hv1:2222/system?socket=/run/libvirt/virtqemud-sock",
			want: Endpoint{URI: "qemu+ssh://hv1:2222/system?socket=/run/libvirt/virtqemud-sock", Transport: "ssh", Host: "hv1", Port: "2222", Path: "/system", Socket: "/run/libvirt/virtqemud-sock"},
		},
		{name: "other driver", uri: "xen:///system", wantErr: true},
		{name: "bad path", uri: "qemu:///embed", wantErr: true},
		{name: "unix with host", uri: "qemu+unix://hv1/system", wantErr: true},
		{name: "tcp without host", uri: "qemu+tcp:///system", wantErr: true},
		{name: "ssh without host", uri: "qemu+ssh:///system", wantErr: true},
		{name: "unknown transport", uri: "qemu+tls://hv1/system", wantErr: true},
		{name: "garbage", uri: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.uri, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseURI(%q)\n got: %+v\nwant: %+v", tt.uri, *got, tt.want)
			}
		})
	}
}

func TestEndpoint_ConnectURI(t *testing.T) {
	system, _ := ParseURI("qemu+tcp://hv1/system")
	if got := system.ConnectURI(); got != libvirt.QEMUSystem {
		t.Errorf("expected %s, got %s", libvirt.QEMUSystem, got)
	}

	session, _ := ParseURI("qemu:///session")
	if got := session.ConnectURI(); got != libvirt.QEMUSession {
		t.Errorf("expected %s, got %s", libvirt.QEMUSession, got)
	}
}

func TestEndpoint_Dialer(t *testing.T) {
	unix, _ := ParseURI("qemu:///system")
	d, err := unix.Dialer(time.Second, SSHOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.(*dialers.Local); !ok {
		t.Errorf("expected local dialer, got %T", d)
	}

	tcp, _ := ParseURI("qemu+tcp://hv1/system")
	d, err = tcp.Dialer(time.Second, SSHOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.(*dialers.Remote); !ok {
		t.Errorf("expected remote dialer, got %T", d)
	}

	ssh, _ := ParseURI("qemu+ssh://root@hv1/system")
	d, err = ssh.Dialer(time.Second, SSHOptions{
		KeyFile:               writeTestKey(t),
		InsecureIgnoreHostKey: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sd, ok := d.(*sshDialer)
	if !ok {
		t.Fatalf("expected ssh dialer, got %T", d)
	}
	if sd.addr != "hv1:22" || sd.socket != SystemSocket || sd.config.User != "root" {
		t.Errorf("unexpected ssh dialer: addr=%s socket=%s user=%s", sd.addr, sd.socket, sd.config.User)
	}
}

func TestEndpoint_TCPDialerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	e, err := ParseURI("qemu+tcp://127.0.0.1:" + port + "/system")
	if err != nil {
		t.Fatalf("ParseURI() unexpected error: %v", err)
	}

	d, err := e.Dialer(2*time.Second, SSHOptions{})
	if err != nil {
		t.Fatalf("Dialer() unexpected error: %v", err)
	}
	conn, err := d.Dial()
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Error("listener never accepted the connection")
	}
}
