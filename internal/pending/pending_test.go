package pending

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/squidrelay/internal/frame"
)

type fakeSender struct{ id string }

func (f *fakeSender) WriteFrame(*frame.Frame) error  { return nil }
func (f *fakeSender) Close(int, string) error        { return nil }
func (f *fakeSender) RemoteAddr() string             { return f.id }
func (f *fakeSender) IsClosed() bool                 { return false }

func TestInstallAndAck(t *testing.T) {
	tr := New(20*time.Second, zerolog.Nop())
	sender := &fakeSender{"a"}

	e := tr.Install("m1", sender, "A", "B", 0)
	require.Equal(t, "m1", e.MessageID)
	require.Equal(t, 1, tr.Len())

	got, ok := tr.Ack("m1")
	require.True(t, ok)
	require.Equal(t, e, got)
	require.Equal(t, 0, tr.Len())

	_, ok = tr.Ack("m1")
	require.False(t, ok, "second ack on same id must be a silent miss")
}

func TestSupersession(t *testing.T) {
	tr := New(20*time.Second, zerolog.Nop())
	var superseded *Entry
	tr.OnSupersede(func(old *Entry) { superseded = old })

	first := tr.Install("m1", &fakeSender{"a"}, "A", "B", 0)
	second := tr.Install("m1", &fakeSender{"a"}, "A", "B", 0)

	require.Equal(t, first, superseded)
	require.Equal(t, 1, tr.Len())

	got, ok := tr.Get("m1")
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestExpiry(t *testing.T) {
	tr := New(20*time.Second, zerolog.Nop())
	expired := make(chan *Entry, 1)
	tr.OnExpire(func(e *Entry) { expired <- e })

	tr.Install("m1", &fakeSender{"a"}, "A", "B", 30*time.Millisecond)

	select {
	case e := <-expired:
		require.Equal(t, "m1", e.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry did not fire")
	}
	require.Equal(t, 0, tr.Len())
}

func TestDropForSocketIsSilent(t *testing.T) {
	tr := New(20*time.Second, zerolog.Nop())
	tr.OnExpire(func(e *Entry) { t.Fatal("expire should not fire for dropped entries") })

	sender := &fakeSender{"a"}
	tr.Install("m1", sender, "A", "B", 0)
	tr.Install("m2", &fakeSender{"z"}, "Z", "B", 0)

	dropped := tr.DropForSocket(sender)
	require.Len(t, dropped, 1)
	require.Equal(t, "m1", dropped[0].MessageID)
	require.Equal(t, 1, tr.Len())
}

func TestDropForTargetNotifiesOnTargetGone(t *testing.T) {
	tr := New(20*time.Second, zerolog.Nop())
	var gone []*Entry
	tr.OnTargetGone(func(e *Entry) { gone = append(gone, e) })

	tr.Install("m1", &fakeSender{"a"}, "A", "B", 0)
	tr.Install("m2", &fakeSender{"a"}, "A", "C", 0)

	dropped := tr.DropForTarget("B")
	require.Len(t, dropped, 1)
	require.Len(t, gone, 1)
	require.Equal(t, 1, tr.Len())
}

func TestMinTTLFloor(t *testing.T) {
	tr := New(0, zerolog.Nop())
	require.Equal(t, time.Second, tr.defaultTTL)
}
