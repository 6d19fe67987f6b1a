package bridge_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/squidrelay/internal/pairing"
	"github.com/anamnesos/squidrelay/internal/pending"
	"github.com/anamnesos/squidrelay/internal/registry"
	"github.com/anamnesos/squidrelay/internal/router"
	"github.com/anamnesos/squidrelay/internal/wsconn"
	"github.com/anamnesos/squidrelay/pkg/bridge"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startTestRelay runs the same registry/pending/pairing/router stack
// cmd/relayd wires together, fronted by a plain httptest.Server, so the
// bridge client is exercised against the real policy engine end to end.
func startTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New("s3cr3t", nil, zerolog.Nop())
	pend := pending.New(20*time.Second, zerolog.Nop())
	pair := pairing.New("ws://relay.test", zerolog.Nop())
	rt := router.New(reg, pend, pair, nil, 20*time.Second, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := wsconn.New(ws, r.RemoteAddr)
		sess := router.NewSession(conn)
		for {
			raw, err := conn.ReadFrame()
			if err != nil {
				rt.Disconnect(sess)
				return
			}
			rt.HandleFrame(sess, raw)
		}
	})

	return httptest.NewServer(mux)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialBridge(t *testing.T, srv *httptest.Server, deviceID string) *bridge.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := bridge.Dial(ctx, bridge.Config{
		DeviceID:       deviceID,
		SharedSecret:   "s3cr3t",
		RelayURL:       wsURL(srv),
		AvailableRoles: []string{"architect"},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	require.True(t, c.IsRegistered())
	return c
}

func TestDialRegisters(t *testing.T) {
	srv := startTestRelay(t)
	defer srv.Close()

	c := dialBridge(t, srv, "A")
	defer c.Close()
}

func TestSendAndReceive(t *testing.T) {
	srv := startTestRelay(t)
	defer srv.Close()

	a := dialBridge(t, srv, "A")
	defer a.Close()
	b := dialBridge(t, srv, "B")
	defer b.Close()

	received := make(chan bridge.Envelope, 1)
	b.OnMessage(func(env bridge.Envelope) { received <- env })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := a.Send(ctx, "B", "hello from A", nil)
	require.NoError(t, err)
	require.True(t, ack.OK)

	select {
	case env := <-received:
		require.Equal(t, "A", env.FromDevice)
		require.Equal(t, "hello from A", env.Content)
		require.Equal(t, "FYI", env.Structured.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the delivery")
	}
}

func TestSendToOfflineDeviceReturnsNack(t *testing.T) {
	srv := startTestRelay(t)
	defer srv.Close()

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := bridge.Dial(dialCtx, bridge.Config{
		DeviceID:       "A",
		SharedSecret:   "s3cr3t",
		RelayURL:       wsURL(srv),
		AvailableRoles: []string{"architect"},
		AckTimeout:     200 * time.Millisecond,
		MaxRetries:     1,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancelSend := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelSend()

	ack, err := a.Send(ctx, "GHOST", "hi", nil)
	require.NoError(t, err)
	require.False(t, ack.OK)
	require.Equal(t, "target_offline", ack.Status)
}

func TestPairingRoundTrip(t *testing.T) {
	srv := startTestRelay(t)
	defer srv.Close()

	a := dialBridge(t, srv, "A1")
	defer a.Close()
	b := dialBridge(t, srv, "B1")
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := a.StartPairing(ctx)
	require.NoError(t, err)
	require.Len(t, code, 6)

	result, err := b.JoinPairing(ctx, code)
	require.NoError(t, err)
	require.Equal(t, "A1", result.PairedDeviceID)
}
