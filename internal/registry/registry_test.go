package registry

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/squidrelay/internal/frame"
)

type fakeSocket struct {
	mu     sync.Mutex
	addr   string
	frames []*frame.Frame
	closed bool
	code   int
	reason string
}

func newFakeSocket(addr string) *fakeSocket { return &fakeSocket{addr: addr} }

func (f *fakeSocket) WriteFrame(fr *frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeSocket) RemoteAddr() string { return f.addr }

func (f *fakeSocket) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(secret string, allowlist []string) *Registry {
	return New(secret, allowlist, zerolog.Nop())
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry("s3cr3t", nil)
	sock := newFakeSocket("1.2.3.4:1")

	res, err := r.Register(sock, "alice", "s3cr3t", []string{"architect"})
	require.NoError(t, err)
	require.Nil(t, res.Replaced)
	require.Equal(t, "ALICE", res.Connection.DeviceID)

	conn, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "ALICE", conn.DeviceID)
}

func TestRegisterWrongSecret(t *testing.T) {
	r := newTestRegistry("s3cr3t", nil)
	_, err := r.Register(newFakeSocket("x"), "alice", "wrong", nil)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestRegisterInvalidDeviceID(t *testing.T) {
	r := newTestRegistry("s3cr3t", nil)
	_, err := r.Register(newFakeSocket("x"), "!!!", "s3cr3t", nil)
	require.ErrorIs(t, err, ErrInvalidDeviceID)
}

func TestRegisterAllowlist(t *testing.T) {
	r := newTestRegistry("s3cr3t", []string{"alice"})
	_, err := r.Register(newFakeSocket("x"), "bob", "s3cr3t", nil)
	require.ErrorIs(t, err, ErrNotAllowlisted)

	_, err = r.Register(newFakeSocket("x"), "alice", "s3cr3t", nil)
	require.NoError(t, err)
}

func TestRegisterReplacesExistingDevice(t *testing.T) {
	r := newTestRegistry("s3cr3t", nil)
	var evicted string
	r.OnEvict(func(deviceID string, sock Transport, reason string) { evicted = deviceID })

	first := newFakeSocket("a")
	second := newFakeSocket("b")

	_, err := r.Register(first, "alice", "s3cr3t", nil)
	require.NoError(t, err)

	res, err := r.Register(second, "alice", "s3cr3t", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Replaced)

	require.True(t, first.closed)
	require.Equal(t, 1000, first.code)
	require.Equal(t, "replaced", first.reason)
	require.Len(t, first.frames, 1)
	require.Equal(t, "replaced_by_new_connection", first.frames[0].Status)
	require.Equal(t, "ALICE", evicted)

	conn, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, second, conn.sock)
}

func TestListSortedByDeviceID(t *testing.T) {
	r := newTestRegistry("s3cr3t", nil)
	_, _ = r.Register(newFakeSocket("a"), "zeta", "s3cr3t", nil)
	_, _ = r.Register(newFakeSocket("b"), "alpha", "s3cr3t", nil)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "ALPHA", list[0].DeviceID)
	require.Equal(t, "ZETA", list[1].DeviceID)
}

func TestEvictIsIdempotentAfterReplace(t *testing.T) {
	r := newTestRegistry("s3cr3t", nil)
	first := newFakeSocket("a")
	second := newFakeSocket("b")
	_, _ = r.Register(first, "alice", "s3cr3t", nil)
	_, _ = r.Register(second, "alice", "s3cr3t", nil)

	// Stale evict referencing the replaced socket must be a no-op.
	r.Evict("alice", first, "stale")
	conn, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, second, conn.sock)
}
