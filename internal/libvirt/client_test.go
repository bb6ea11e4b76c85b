package libvirt

import (
	"context"
	"testing"
	"time"
)

// TestConnect tests basic connection functionality.
// This is an integration test that requires libvirt to be running.
func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c, err := Connect("", 0)
	if err != nil {
		t.Skipf("libvirt not available: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	version, err := c.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version == "0.0.0" {
		t.Fatal("got version 0.0.0, expected a real version")
	}
}

// TestConnect_CustomSocket tests connection through an explicit socket parameter.
func TestConnect_CustomSocket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c, err := Connect("qemu+unix:///system?socket=/var/run/libvirt/libvirt-sock", 5*time.Second)
	if err != nil {
		t.Skipf("libvirt not available: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if got := c.Endpoint().Socket; got != "/var/run/libvirt/libvirt-sock" {
		t.Errorf("expected socket from URI, got %s", got)
	}
}

// TestConnect_InvalidSocket tests connection failure with invalid socket.
func TestConnect_InvalidSocket(t *testing.T) {
	_, err := Connect("qemu+unix:///system?socket=/nonexistent/socket", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error connecting to nonexistent socket, got nil")
	}
}

// TestConnect_InvalidURI tests that a malformed URI fails before dialing.
func TestConnect_InvalidURI(t *testing.T) {
	_, err := Connect("xen:///system", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error for unsupported driver, got nil")
	}
}

// TestConnectWithContext_Cancellation tests context cancellation.
func TestConnectWithContext_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel immediately
	cancel()

	_, err := ConnectWithContext(ctx, "", 0)
	if err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

// TestClose_Idempotent tests that Close can be called multiple times safely.
func TestClose_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c, err := Connect("", 0)
	if err != nil {
		t.Skipf("libvirt not available: %v", err)
	}

	// Closing through the session and the client is safe in any order.
	if err := c.Session().Disconnect(); err != nil {
		t.Fatalf("session Disconnect failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

// TestPing_Disconnected tests Ping on a disconnected client.
func TestPing_Disconnected(t *testing.T) {
	c := &Client{libvirt: nil}

	if err := c.Ping(); err == nil {
		t.Fatal("expected error from Ping on nil client, got nil")
	}
	if _, err := c.Version(); err == nil {
		t.Fatal("expected error from Version on nil client, got nil")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client should be a no-op, got %v", err)
	}
}

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{10000000, "10.0.0"},
		{9010002, "9.10.2"},
		{1002003, "1.2.3"},
	}

	for _, tt := range tests {
		if got := formatVersion(tt.in); got != tt.want {
			t.Errorf("formatVersion(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
