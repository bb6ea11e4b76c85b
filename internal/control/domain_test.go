package control

import (
	"context"
	"errors"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDomain(t *testing.T) {
	ctx := context.Background()
	m := newMockTransport()
	conn := New(m)
	defer conn.Close()

	dom, err := conn.LookupDomain(ctx, "web-1")
	require.NoError(t, err)

	assert.Equal(t, "web-1", dom.Name())
	assert.Equal(t, uuid.UUID(testDomain("web-1").UUID), dom.UUID())
	assert.Same(t, conn, dom.Connection())
	assert.Equal(t, 1, conn.OpenDomains())
	assert.Equal(t, []string{"web-1"}, m.lookupByNameCalls)
}

func TestLookupDomain_NotFound(t *testing.T) {
	ctx := context.Background()
	m := newMockTransport()
	m.lookupByNameFunc = func(name string) (libvirt.Domain, error) {
		return libvirt.Domain{}, errors.New("Domain not found: no domain with matching name")
	}
	conn := New(m)
	defer conn.Close()

	dom, err := conn.LookupDomain(ctx, "missing")
	assert.Nil(t, dom)
	assert.ErrorIs(t, err, ErrDomainInvalid)
	assert.True(t, conn.Alive())
	assert.Equal(t, 0, conn.OpenDomains())
}

func TestLookupDomain_CancelledContext(t *testing.T) {
	m := newMockTransport()
	conn := New(m)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.LookupDomain(ctx, "web-1")
	assert.ErrorIs(t, err, ErrCommand)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.lookupByNameCalls)
}

func TestLookupDomainByUUID(t *testing.T) {
	ctx := context.Background()
	m := newMockTransport()
	conn := New(m)
	defer conn.Close()

	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	dom, err := conn.LookupDomainByUUID(ctx, id)
	require.NoError(t, err)
	defer dom.Release()

	assert.Equal(t, id, dom.UUID())
	assert.Equal(t, "by-uuid", dom.Name())
}

func TestDomain_SharedEntry(t *testing.T) {
	ctx := context.Background()
	conn := New(newMockTransport())
	defer conn.Close()

	first, err := conn.LookupDomain(ctx, "web-1")
	require.NoError(t, err)
	second, err := conn.LookupDomain(ctx, "web-1")
	require.NoError(t, err)
	other, err := conn.LookupDomain(ctx, "db-1")
	require.NoError(t, err)

	assert.Equal(t, first.id, second.id, "lookups of the same machine share an entry")
	assert.NotEqual(t, first.id, other.id)
	assert.Equal(t, 2, conn.OpenDomains())

	first.Release()
	assert.Equal(t, 2, conn.OpenDomains(), "entry survives while a handle remains")

	second.Release()
	assert.Equal(t, 1, conn.OpenDomains())

	other.Release()
	assert.Equal(t, 0, conn.OpenDomains())
}

func TestDomain_RefAndRelease(t *testing.T) {
	ctx := context.Background()
	m := newMockTransport()
	conn := New(m)
	defer conn.Close()

	dom, err := conn.LookupDomain(ctx, "web-1")
	require.NoError(t, err)

	ref, err := dom.Ref()
	require.NoError(t, err)

	dom.Release()
	dom.Release() // no-op

	_, err = conn.MonitorCommand(ctx, dom, "info status", MonitorCommandHMP)
	assert.ErrorIs(t, err, ErrDomainInvalid, "released handle must be rejected")

	_, err = dom.Ref()
	assert.ErrorIs(t, err, ErrDomainInvalid)

	_, err = conn.MonitorCommand(ctx, ref, "info status", MonitorCommandHMP)
	assert.NoError(t, err, "extra reference keeps the machine usable")
	assert.Equal(t, 1, conn.OpenDomains())

	ref.Release()
	assert.Equal(t, 0, conn.OpenDomains())
}

func TestDomain_WrongConnection(t *testing.T) {
	ctx := context.Background()
	connA := New(newMockTransport())
	defer connA.Close()
	connB := New(newMockTransport())
	defer connB.Close()

	dom, err := connA.LookupDomain(ctx, "web-1")
	require.NoError(t, err)

	_, err = connB.MonitorCommand(ctx, dom, "info status", MonitorCommandHMP)
	assert.ErrorIs(t, err, ErrDomainInvalid)

	_, err = connB.MonitorCommand(ctx, nil, "info status", MonitorCommandHMP)
	assert.ErrorIs(t, err, ErrDomainInvalid)
}

func TestDomain_RenamedUnderSameUUID(t *testing.T) {
	ctx := context.Background()
	m := newMockTransport()
	conn := New(m)
	defer conn.Close()

	old, err := conn.LookupDomain(ctx, "web-1")
	require.NoError(t, err)
	defer old.Release()

	renamed := testDomain("web-1")
	renamed.Name = "web-1-renamed"
	m.lookupByNameFunc = func(name string) (libvirt.Domain, error) {
		return renamed, nil
	}

	fresh, err := conn.LookupDomain(ctx, "web-1-renamed")
	require.NoError(t, err)
	defer fresh.Release()

	var got libvirt.Domain
	m.monitorCommandFunc = func(dom libvirt.Domain, _ string, _ uint32) (string, error) {
		got = dom
		return "", nil
	}
	_, err = conn.MonitorCommand(ctx, old, "info name", MonitorCommandHMP)
	require.NoError(t, err)

	assert.Equal(t, "web-1-renamed", got.Name, "commands use the freshest view of the machine")
	assert.Equal(t, 1, conn.OpenDomains())
}
