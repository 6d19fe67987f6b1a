// Package bridge is the device-resident peer of the relay: it dials the
// relay's WebSocket endpoint, registers, reconnects with bounded backoff,
// and mirrors the relay's own xsend/xack/pairing contract from the other
// side of the wire.
//
// Grounded on the teacher's broker.do/handleReqs/waitResp pattern
// (pkg/kgo/broker.go): writes to the active connection serialized by a
// single mutex, paired with a correlation-ID keyed response map (there:
// Kafka's correlation ID; here: messageId). The reconnect supervisor is
// grounded on the pack's WebSocket bridge clients
// (other_examples/..._bridge-wsclient.go.go,
// other_examples/..._relay-client.go.go): a CAS-guarded, single-flight
// reconnect goroutine with capped exponential backoff and jitter.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/anamnesos/squidrelay/internal/frame"
	"github.com/anamnesos/squidrelay/internal/wire"
)

// ErrClientClosed is returned by any operation attempted after Close.
var ErrClientClosed = errors.New("bridge: client closed")

// ErrNotRegistered is returned by Send/StartPairing/JoinPairing when the
// client has not yet completed registration with the relay.
var ErrNotRegistered = errors.New("bridge: not registered")

// ErrAckTimeout is returned by Send when every retry attempt times out
// waiting for an xack.
var ErrAckTimeout = errors.New("bridge: ack timeout")

// Config configures a Client. Zero-value duration fields fall back to the
// defaults in spec §5.
type Config struct {
	DeviceID       string
	SharedSecret   string
	RelayURL       string
	AvailableRoles []string

	// AckTimeout bounds a single send attempt. Default ~1.2s.
	AckTimeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	// Default 3, hard cap 5.
	MaxRetries int

	ReconnectBaseDelay time.Duration // default 500ms
	ReconnectMaxDelay  time.Duration // default 30s

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 1200 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries > 5 {
		c.MaxRetries = 5
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Envelope is what the host sees for an inbound xdeliver.
type Envelope struct {
	MessageID  string
	FromDevice string
	ToDevice   string
	FromRole   string
	TargetRole string
	Content    string
	Structured frame.StructuredMessage
}

// AckResult is what Send returns on a non-error outcome.
type AckResult struct {
	OK       bool
	Status   string
	Error    string
	Accepted bool
	Queued   bool
	Verified bool
}

// PairingResult is delivered on pairing-complete.
type PairingResult struct {
	DeviceID       string
	SharedSecret   string
	RelayURL       string
	PairedDeviceID string
}

// Metadata is the caller-supplied structured payload for an outbound send.
type Metadata map[string]interface{}

var retryableStatus = map[string]bool{
	wire.StatusTargetOffline:      true,
	wire.StatusTargetSendFailed:   true,
	wire.StatusTargetAckTimeout:   true,
	wire.StatusTargetDisconnected: true,
}

type pendingSend struct {
	waiter chan *frame.Frame
}

// Client is a persistent, auto-reconnecting relay peer.
type Client struct {
	cfg Config
	log zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex // serializes WriteMessage calls on the active conn

	mu            sync.Mutex
	pending       map[string]*pendingSend
	registerAckCh chan *frame.Frame
	pairingInitCh chan *frame.Frame
	pairingJoinCh chan *frame.Frame
	registered    atomic.Bool

	reconnecting  atomic.Bool
	stopReconnect chan struct{}
	closed        atomic.Bool
	done          chan struct{}

	onMessage         func(Envelope)
	onRegistered      func()
	onPairingComplete func(PairingResult)
}

// Dial connects to cfg.RelayURL, registers, and starts the background read
// loop and reconnect supervisor. It blocks until registration succeeds or
// ctx is done.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	c := &Client{
		cfg:           cfg,
		log:           cfg.Logger.With().Str("component", "bridge").Str("device", cfg.DeviceID).Logger(),
		pending:       make(map[string]*pendingSend),
		registerAckCh: make(chan *frame.Frame, 1),
		pairingInitCh: make(chan *frame.Frame, 1),
		pairingJoinCh: make(chan *frame.Frame, 1),
		stopReconnect: make(chan struct{}),
		done:          make(chan struct{}),
	}

	if err := c.connectAndRegister(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// OnMessage sets the callback invoked for every normalized inbound
// xdeliver, before the bridge's own xack is sent back to the relay.
func (c *Client) OnMessage(fn func(Envelope)) { c.onMessage = fn }

// OnRegistered sets the callback invoked once per successful
// register/reconnect cycle.
func (c *Client) OnRegistered(fn func()) { c.onRegistered = fn }

// OnPairingComplete sets the callback invoked when this client finishes a
// pairing exchange, whether as initiator or joiner.
func (c *Client) OnPairingComplete(fn func(PairingResult)) { c.onPairingComplete = fn }

func (c *Client) connectAndRegister(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)

	reg := &frame.Frame{
		Type:           wire.TypeRegister,
		DeviceID:       c.cfg.DeviceID,
		SharedSecret:   c.cfg.SharedSecret,
		AvailableRoles: c.cfg.AvailableRoles,
	}
	if err := c.writeFrame(reg); err != nil {
		conn.Close()
		return err
	}

	select {
	case ack := <-c.registerAckCh:
		if !ack.OK {
			conn.Close()
			return fmt.Errorf("bridge: register rejected: %s", ack.Error)
		}
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		conn.Close()
		return errors.New("bridge: register-ack timeout")
	}

	c.registered.Store(true)
	if c.onRegistered != nil {
		c.onRegistered()
	}
	return nil
}

func (c *Client) writeFrame(f *frame.Frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrClientClosed
	}

	b, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn().Err(err).Msg("relay connection lost")
				c.registered.Store(false)
				c.scheduleReconnect()
			}
			return
		}

		f, err := frame.Decode(raw)
		if err != nil {
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *frame.Frame) {
	switch f.Type {
	case wire.TypeRegisterAck:
		select {
		case c.registerAckCh <- f:
		default:
		}
	case wire.TypePing:
		_ = c.writeFrame(&frame.Frame{Type: wire.TypePong, Ts: f.Ts})
	case wire.TypeXAck:
		c.resolvePending(f.MessageID, f)
	case wire.TypeXDeliver:
		c.handleDeliver(f)
	case wire.TypePairingInitAck:
		select {
		case c.pairingInitCh <- f:
		default:
		}
	case wire.TypePairingFailed:
		select {
		case c.pairingInitCh <- f:
		default:
		}
		select {
		case c.pairingJoinCh <- f:
		default:
		}
	case wire.TypePairingComplete:
		select {
		case c.pairingJoinCh <- f:
		default:
		}
		if c.onPairingComplete != nil {
			c.onPairingComplete(PairingResult{
				DeviceID:       f.DeviceIDSnake,
				SharedSecret:   f.SharedSecretSnake,
				RelayURL:       f.RelayURL,
				PairedDeviceID: f.PairedDeviceID,
			})
		}
	}
}

func (c *Client) handleDeliver(f *frame.Frame) {
	structured := frame.NormalizeStructured(f.Metadata, f.Content)
	env := Envelope{
		MessageID:  f.MessageID,
		FromDevice: f.FromDevice,
		ToDevice:   f.ToDevice,
		FromRole:   f.FromRole,
		TargetRole: f.TargetRole,
		Content:    f.Content,
		Structured: structured,
	}

	if c.onMessage != nil {
		c.onMessage(env)
	}

	_ = c.writeFrame(&frame.Frame{
		Type:      wire.TypeXAck,
		MessageID: f.MessageID,
		OK:        true,
		Status:    wire.StatusBridgeDelivered,
	})
}

func (c *Client) resolvePending(messageID string, f *frame.Frame) {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()
	if !ok {
		return // late/unknown ack, mirrors the relay's own silent-drop rule
	}
	select {
	case p.waiter <- f:
	default:
	}
}

// Send writes an xsend for content/toDevice/metadata and waits for the
// relay's xack, retrying retryable outcomes up to cfg.MaxRetries times with
// doubling backoff, per spec §4.5/§5.
func (c *Client) Send(ctx context.Context, toDevice, content string, metadata Metadata) (*AckResult, error) {
	if !c.registered.Load() {
		return nil, ErrNotRegistered
	}

	messageID := uuid.New().String()
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	var lastNack *frame.Frame
	timeout := c.cfg.AckTimeout
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		waiter := make(chan *frame.Frame, 1)
		c.mu.Lock()
		c.pending[messageID] = &pendingSend{waiter: waiter}
		c.mu.Unlock()

		send := &frame.Frame{
			Type:       wire.TypeXSend,
			MessageID:  messageID,
			FromDevice: c.cfg.DeviceID,
			ToDevice:   toDevice,
			TargetRole: wire.CoordinatingRole,
			Content:    content,
			Metadata:   metaJSON,
		}
		if err := c.writeFrame(send); err != nil {
			c.mu.Lock()
			delete(c.pending, messageID)
			c.mu.Unlock()
			return nil, err
		}

		select {
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.pending, messageID)
			c.mu.Unlock()
			return nil, ctx.Err()

		case ack := <-waiter:
			if ack.OK || !retryableStatus[ack.Status] {
				return toAckResult(ack), nil
			}
			lastNack = ack
			// retryable nack: fall through to backoff+retry below.

		case <-time.After(timeout):
			c.mu.Lock()
			delete(c.pending, messageID)
			c.mu.Unlock()
		}

		if attempt == c.cfg.MaxRetries {
			if lastNack != nil {
				return toAckResult(lastNack), nil
			}
			return nil, ErrAckTimeout
		}
		time.Sleep(timeout)
		timeout *= 2
	}
	return nil, ErrAckTimeout
}

func toAckResult(ack *frame.Frame) *AckResult {
	return &AckResult{
		OK: ack.OK, Status: ack.Status, Error: ack.Error,
		Accepted: ack.Accepted, Queued: ack.Queued, Verified: ack.Verified,
	}
}

// StartPairing asks the relay to issue a fresh pairing code for this
// device.
func (c *Client) StartPairing(ctx context.Context) (string, error) {
	if !c.registered.Load() {
		return "", ErrNotRegistered
	}
	if err := c.writeFrame(&frame.Frame{Type: wire.TypePairingInit}); err != nil {
		return "", err
	}
	select {
	case f := <-c.pairingInitCh:
		if f.Type == wire.TypePairingFailed {
			return "", fmt.Errorf("bridge: pairing init failed: %s", f.Reason)
		}
		return f.Code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Second):
		return "", errors.New("bridge: pairing-init-ack timeout")
	}
}

// JoinPairing redeems a pairing code issued by another device.
func (c *Client) JoinPairing(ctx context.Context, code string) (*PairingResult, error) {
	if !c.registered.Load() {
		return nil, ErrNotRegistered
	}
	if err := c.writeFrame(&frame.Frame{Type: wire.TypePairingJoin, Code: code}); err != nil {
		return nil, err
	}
	select {
	case f := <-c.pairingJoinCh:
		if f.Type == wire.TypePairingFailed {
			return nil, fmt.Errorf("bridge: pairing join failed: %s", f.Reason)
		}
		return &PairingResult{
			DeviceID:       f.DeviceIDSnake,
			SharedSecret:   f.SharedSecretSnake,
			RelayURL:       f.RelayURL,
			PairedDeviceID: f.PairedDeviceID,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, errors.New("bridge: pairing-complete timeout")
	}
}

// scheduleReconnect starts (at most one) reconnect goroutine with bounded
// exponential backoff and jitter, mirroring the pack's bridge clients.
func (c *Client) scheduleReconnect() {
	if c.closed.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.reconnecting.Store(false)

		base := c.cfg.ReconnectBaseDelay
		maxDelay := c.cfg.ReconnectMaxDelay

		for attempt := 0; ; attempt++ {
			delay := base * time.Duration(1<<minInt(attempt, 6))
			if delay > maxDelay {
				delay = maxDelay
			}
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

			select {
			case <-c.stopReconnect:
				return
			case <-time.After(delay):
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := c.connectAndRegister(ctx)
			cancel()
			if err == nil {
				c.log.Info().Int("attempt", attempt+1).Msg("reconnected to relay")
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
		}
	}()
}

// Close tears down the connection and stops the reconnect supervisor.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopReconnect)
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsRegistered reports whether the client currently believes it is
// registered with the relay.
func (c *Client) IsRegistered() bool { return c.registered.Load() }

func marshalMetadata(m Metadata) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
