// Package router implements the relay's per-frame policy: registration
// gating, xsend/xack/xdiscovery handling, role-based destination
// enforcement, and the pairing handshake frames. It is the single place
// that decides what an inbound frame does to the shared stores.
//
// Grounded on the teacher's handleReqs in pkg/kgo/broker.go: one function
// that validates a unit of work against current connection state and
// either admits it or replies with a specific, non-fatal rejection,
// continuing to serve the next unit of work regardless of outcome.
package router

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/anamnesos/squidrelay/internal/frame"
	"github.com/anamnesos/squidrelay/internal/pairing"
	"github.com/anamnesos/squidrelay/internal/pending"
	"github.com/anamnesos/squidrelay/internal/ratelimit"
	"github.com/anamnesos/squidrelay/internal/registry"
	"github.com/anamnesos/squidrelay/internal/wire"
)

// Session is the per-connection state the router needs beyond the wire
// frame itself: whether this socket has completed registration, and as
// which device.
type Session struct {
	sock       registry.Transport
	registered bool
	deviceID   string
}

// NewSession wraps a freshly-accepted socket. The router rejects every
// frame other than register/ping until Register succeeds on this session.
func NewSession(sock registry.Transport) *Session {
	return &Session{sock: sock}
}

// Router ties the Registry, Tracker, and pairing Engine together and
// applies the wire protocol's policy to each inbound frame.
type Router struct {
	registry *registry.Registry
	pending  *pending.Tracker
	pairing  *pairing.Engine
	limiter  *ratelimit.Limiter

	pendingTTL time.Duration
	log        zerolog.Logger

	onFrame         func(frameType string)
	onPairingResult func(result string)
}

// OnFrame installs a hook called once per successfully decoded inbound
// frame, before dispatch. Wired to metrics.RecordFrame in cmd/relayd; left
// nil in tests.
func (r *Router) OnFrame(fn func(frameType string)) { r.onFrame = fn }

// OnPairingResult installs a hook called with "success" or one of the
// wire.Pairing* reasons after each pairing-join attempt.
func (r *Router) OnPairingResult(fn func(result string)) { r.onPairingResult = fn }

// New builds a Router over already-constructed stores. The stores are
// intentionally passed in rather than constructed here so cmd/relayd can
// wire observers (metrics, audit) onto them before the router starts
// handling traffic.
func New(reg *registry.Registry, pend *pending.Tracker, pair *pairing.Engine, limiter *ratelimit.Limiter, pendingTTL time.Duration, log zerolog.Logger) *Router {
	r := &Router{
		registry:   reg,
		pending:    pend,
		pairing:    pair,
		limiter:    limiter,
		pendingTTL: pendingTTL,
		log:        log.With().Str("component", "router").Logger(),
	}
	pend.OnExpire(func(e *pending.Entry) {
		r.nackSender(e.SenderSocket, e.MessageID, wire.StatusTargetAckTimeout, "", e.FromDevice, e.ToDevice)
	})
	pend.OnTargetGone(func(e *pending.Entry) {
		r.nackSender(e.SenderSocket, e.MessageID, wire.StatusTargetDisconnected, "", e.FromDevice, e.ToDevice)
	})
	pend.OnSupersede(func(old *pending.Entry) {
		r.nackSender(old.SenderSocket, old.MessageID, wire.StatusSuperseded, "", old.FromDevice, old.ToDevice)
	})
	reg.OnEvict(func(deviceID string, sock registry.Transport, reason string) {
		pend.DropForSocket(sock)
		pend.DropForTarget(deviceID)
	})
	return r
}

// HandleFrame decodes and dispatches one inbound message for sess. It
// returns nothing: protocol-level problems are replied to the socket,
// errors from socket writes are ignored, and frames over the source's rate
// limit are dropped without a reply.
func (r *Router) HandleFrame(sess *Session, raw []byte) {
	if r.limiter != nil && !r.limiter.Allow(sess.sock.RemoteAddr()) {
		return
	}

	f, err := frame.Decode(raw)
	if err != nil {
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeError, Error: "invalid_json"})
		return
	}

	if r.onFrame != nil {
		r.onFrame(f.Type)
	}

	switch f.Type {
	case wire.TypeRegister:
		r.handleRegister(sess, f)
	case wire.TypePing:
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypePong, Ts: f.Ts})
	case wire.TypeXSend:
		r.requireRegistered(sess, func() { r.handleXSend(sess, f) })
	case wire.TypeXAck:
		r.requireRegistered(sess, func() { r.handleXAck(sess, f) })
	case wire.TypeXDiscovery:
		r.requireRegistered(sess, func() { r.handleXDiscovery(sess, f) })
	case wire.TypePairingInit:
		r.requireRegistered(sess, func() { r.handlePairingInit(sess, f) })
	case wire.TypePairingJoin:
		r.requireRegistered(sess, func() { r.handlePairingJoin(sess, f) })
	default:
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeError, Error: "unknown_frame_type"})
	}
}

// requireRegistered enforces "register-ack always precedes any subsequent
// frame on the same socket" for every frame type that needs an identity.
func (r *Router) requireRegistered(sess *Session, fn func()) {
	if !sess.registered {
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeError, Error: wire.StatusSenderNotRegistered})
		return
	}
	fn()
}

// Disconnect is called by the transport layer when a socket closes, so the
// router can cascade registry eviction and pending cleanup.
func (r *Router) Disconnect(sess *Session) {
	if sess.registered {
		r.registry.Evict(sess.deviceID, sess.sock, "disconnect")
	}
}

func (r *Router) handleRegister(sess *Session, f *frame.Frame) {
	deviceID := frame.TrimScalar(f.DeviceID)
	secret := frame.TrimScalar(f.SharedSecret)

	if deviceID == "" || secret == "" {
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeRegisterAck, OK: false, Error: "invalid_register"})
		_ = sess.sock.Close(wire.CloseAuthError, wire.CloseReasonInvalidReg)
		return
	}

	res, err := r.registry.Register(sess.sock, deviceID, secret, f.AvailableRoles)
	if err != nil {
		switch err {
		case registry.ErrInvalidDeviceID:
			_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeRegisterAck, OK: false, Error: "invalid_register"})
			_ = sess.sock.Close(wire.CloseAuthError, wire.CloseReasonInvalidReg)
		case registry.ErrAuthFailed:
			_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeRegisterAck, OK: false, Error: "auth failed"})
			_ = sess.sock.Close(wire.CloseAuthError, wire.CloseReasonAuthFailed)
		case registry.ErrNotAllowlisted:
			_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeRegisterAck, OK: false, Error: "device not allowlisted"})
			_ = sess.sock.Close(wire.CloseAuthError, wire.CloseReasonAllowlisted)
		default:
			_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeRegisterAck, OK: false, Error: err.Error()})
			_ = sess.sock.Close(wire.CloseAuthError, wire.CloseReasonInvalidReg)
		}
		return
	}

	sess.registered = true
	sess.deviceID = res.Connection.DeviceID
	_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypeRegisterAck, OK: true, DeviceID: res.Connection.DeviceID})
}

func (r *Router) handleXSend(sess *Session, f *frame.Frame) {
	messageID := frame.TrimScalar(f.MessageID)
	toDevice := frame.CanonicalDeviceID(f.ToDevice)
	content := frame.TrimScalar(f.Content)
	fromDevice := frame.CanonicalDeviceID(f.FromDevice)

	if fromDevice != sess.deviceID {
		r.nackSender(sess.sock, messageID, wire.StatusSenderMismatch, "", f.FromDevice, f.ToDevice)
		return
	}
	if messageID == "" || toDevice == "" || content == "" {
		r.nackSender(sess.sock, messageID, wire.StatusInvalidPayload, "", f.FromDevice, f.ToDevice)
		return
	}

	targetRole := frame.ExtractTargetRole(f.TargetRole, f.Metadata)
	if targetRole != wire.CoordinatingRole {
		r.nackSender(sess.sock, messageID, wire.StatusTargetRoleRejected, "", fromDevice, toDevice)
		return
	}

	target, ok := r.registry.Lookup(toDevice)
	if !ok {
		nack := &frame.Frame{
			Type:             wire.TypeXAck,
			MessageID:        messageID,
			OK:               false,
			Status:           wire.StatusTargetOffline,
			FromDevice:       fromDevice,
			ToDevice:         toDevice,
			ConnectedDevices: deviceIDs(r.registry.List()),
		}
		if !r.registry.Seen(toDevice) {
			nack.UnknownDevice = toDevice
		}
		_ = sess.sock.WriteFrame(nack)
		return
	}

	fromRole := frame.CanonicalRole(f.FromRole)
	if fromRole == "" {
		fromRole = wire.CoordinatingRole
	}

	structured := frame.NormalizeStructured(f.Metadata, content)
	metadata, err := buildDeliverMetadata(f.Metadata, structured)
	if err != nil {
		r.nackSender(sess.sock, messageID, wire.StatusInvalidPayload, "", fromDevice, toDevice)
		return
	}

	r.pending.Install(messageID, sess.sock, fromDevice, toDevice, r.pendingTTL)

	deliver := &frame.Frame{
		Type:       wire.TypeXDeliver,
		MessageID:  messageID,
		FromDevice: fromDevice,
		ToDevice:   toDevice,
		FromRole:   fromRole,
		TargetRole: targetRole,
		Content:    content,
		Metadata:   metadata,
	}

	if err := target.WriteFrame(deliver); err != nil {
		r.pending.Remove(messageID) // tear down the entry we just installed
		r.nackSender(sess.sock, messageID, wire.StatusTargetSendFailed, "", fromDevice, toDevice)
		return
	}
}

func buildDeliverMetadata(raw json.RawMessage, structured frame.StructuredMessage) (json.RawMessage, error) {
	out := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	out["structured"] = structured
	return json.Marshal(out)
}

func deviceIDs(infos []registry.Info) []string {
	out := make([]string, len(infos))
	for i, inf := range infos {
		out[i] = inf.DeviceID
	}
	return out
}

func (r *Router) handleXAck(sess *Session, f *frame.Frame) {
	messageID := frame.TrimScalar(f.MessageID)
	entry, ok := r.pending.Get(messageID)
	if !ok {
		return // late/unknown ack: silently dropped per spec §3
	}
	if sess.deviceID != entry.ToDevice {
		r.pending.Remove(messageID)
		_ = sess.sock.WriteFrame(&frame.Frame{
			Type: wire.TypeXAck, MessageID: messageID, OK: false,
			Status: wire.StatusAckSenderMismatch,
		})
		return
	}

	entry, ok = r.pending.Ack(messageID)
	if !ok {
		return
	}

	ack := widenAck(f, entry)
	_ = entry.SenderSocket.WriteFrame(ack)
}

// widenAck applies §4.3's monotone-widening rule: ok=true forces
// accepted/queued/verified true; accepted implies queued; verified implies
// ok. This lets a minimally compliant bridge ack with just {ok:true}.
func widenAck(f *frame.Frame, entry *pending.Entry) *frame.Frame {
	ok := f.OK
	accepted := f.Accepted || ok
	queued := f.Queued || accepted
	verified := f.Verified
	if verified {
		ok = true
		accepted = true
		queued = true
	}
	if ok {
		accepted, queued, verified = true, true, true
	}

	status := frame.TrimScalar(f.Status)
	if status == "" {
		if ok {
			status = wire.StatusBridgeDelivered
		} else {
			status = wire.StatusBridgeDeliveryFailed
		}
	}

	return &frame.Frame{
		Type:       wire.TypeXAck,
		MessageID:  entry.MessageID,
		OK:         ok,
		Accepted:   accepted,
		Queued:     queued,
		Verified:   verified,
		Status:     status,
		Error:      f.Error,
		FromDevice: entry.FromDevice,
		ToDevice:   entry.ToDevice,
	}
}

func (r *Router) handleXDiscovery(sess *Session, f *frame.Frame) {
	infos := r.registry.List()
	devices := make([]frame.ConnectedDevice, len(infos))
	for i, inf := range infos {
		devices[i] = frame.ConnectedDevice{
			DeviceID:       inf.DeviceID,
			Roles:          inf.Roles,
			ConnectedSince: inf.ConnectedSince.UnixMilli(),
		}
	}
	_ = sess.sock.WriteFrame(&frame.Frame{
		Type:             wire.TypeXDiscovery,
		OK:               true,
		RequestIDEcho:    f.RequestID,
		ConnectedDevList: devices,
	})
}

func (r *Router) handlePairingInit(sess *Session, f *frame.Frame) {
	code, expiresAt, err := r.pairing.Init(sess.sock, sess.deviceID)
	if err != nil {
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypePairingFailed, Reason: wire.PairingRateLimited})
		return
	}
	_ = sess.sock.WriteFrame(&frame.Frame{
		Type:      wire.TypePairingInitAck,
		Code:      code,
		ExpiresAt: expiresAt.UnixMilli(),
	})
}

func (r *Router) handlePairingJoin(sess *Session, f *frame.Frame) {
	res, reason, err := r.pairing.Join(f.Code, sess.sock.RemoteAddr(), sess.deviceID)
	if err != nil || reason != "" {
		if reason == "" {
			reason = wire.PairingInvalidCode
		}
		if r.onPairingResult != nil {
			r.onPairingResult(reason)
		}
		_ = sess.sock.WriteFrame(&frame.Frame{Type: wire.TypePairingFailed, Reason: reason})
		return
	}
	if r.onPairingResult != nil {
		r.onPairingResult("success")
	}

	relayURL := r.pairing.RelayURL()

	_ = res.InitiatorSocket.WriteFrame(&frame.Frame{
		Type:              wire.TypePairingComplete,
		DeviceIDSnake:     res.InitiatorDeviceID,
		SharedSecretSnake: res.SharedSecret,
		RelayURL:          relayURL,
		PairedDeviceID:    sess.deviceID,
	})
	_ = sess.sock.WriteFrame(&frame.Frame{
		Type:              wire.TypePairingComplete,
		DeviceIDSnake:     sess.deviceID,
		SharedSecretSnake: res.SharedSecret,
		RelayURL:          relayURL,
		PairedDeviceID:    res.InitiatorDeviceID,
	})
}

func (r *Router) nackSender(sock registry.Transport, messageID, status, errStr, fromDevice, toDevice string) {
	if sock == nil {
		return
	}
	_ = sock.WriteFrame(&frame.Frame{
		Type:       wire.TypeXAck,
		MessageID:  messageID,
		OK:         false,
		Status:     status,
		Error:      errStr,
		FromDevice: frame.CanonicalDeviceID(fromDevice),
		ToDevice:   frame.CanonicalDeviceID(toDevice),
	})
}
