// Package registry tracks which devices are currently connected to the
// relay. It mirrors the bookkeeping the teacher's kgo client keeps for live
// broker connections: one record per peer and a serialized replace/evict
// path so no caller ever observes a half-updated entry.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anamnesos/squidrelay/internal/frame"
	"github.com/anamnesos/squidrelay/internal/wire"
)

// Transport is the minimal socket surface the registry and router need.
// Tests substitute a fake; cmd/relayd wires *websocket.Conn through the
// thin adapter in internal/wsconn.
type Transport interface {
	WriteFrame(f *frame.Frame) error
	Close(code int, reason string) error
	RemoteAddr() string
	IsClosed() bool
}

// Connection is one registered device's live record.
type Connection struct {
	DeviceID       string
	Roles          []string
	ConnectedSince time.Time
	RemoteAddr     string

	sock Transport
}

// Info is the public, read-only projection of a Connection used for
// xdiscovery replies and the List operation.
type Info struct {
	DeviceID       string
	Roles          []string
	ConnectedSince time.Time
}

// EvictObserver is notified when a connection is evicted, so the pending
// tracker can cascade cleanup without the registry importing it back.
type EvictObserver func(deviceID string, sock Transport, reason string)

// Registry is the relay's device table. One instance is shared across all
// connections.
type Registry struct {
	mu       sync.RWMutex
	byDevice map[string]*Connection

	sharedSecret string
	allowlist    map[string]struct{} // empty/nil = no allowlist

	onEvict EvictObserver
	log     zerolog.Logger
}

// New builds a Registry. allowlist may be nil or empty, meaning any
// canonical device id is accepted.
func New(sharedSecret string, allowlist []string, log zerolog.Logger) *Registry {
	r := &Registry{
		byDevice:     make(map[string]*Connection),
		sharedSecret: sharedSecret,
		log:          log.With().Str("component", "registry").Logger(),
	}
	if len(allowlist) > 0 {
		r.allowlist = make(map[string]struct{}, len(allowlist))
		for _, d := range allowlist {
			if c := frame.CanonicalDeviceID(d); c != "" {
				r.allowlist[c] = struct{}{}
			}
		}
	}
	return r
}

// OnEvict installs the callback invoked after a connection is evicted.
func (r *Registry) OnEvict(fn EvictObserver) {
	r.onEvict = fn
}

// RegisterResult reports the outcome of a Register call, including whether
// a previous socket for the same device was displaced.
type RegisterResult struct {
	Connection *Connection
	Replaced   *Connection
}

// Sentinel auth/validation errors, surfaced to the caller as register-ack
// failures and the matching close code per spec §4.2.
var (
	ErrInvalidDeviceID = sentinel("invalid device id")
	ErrAuthFailed      = sentinel("auth failed")
	ErrNotAllowlisted  = sentinel("device not allowlisted")
)

type sentinelError string

func sentinel(s string) error { return sentinelError(s) }
func (e sentinelError) Error() string { return string(e) }

// Register validates and installs a new connection, evicting any existing
// socket bound to the same canonical device id. The new record replaces the
// old one in a single locked swap, so no window exists where two sockets
// are simultaneously indexed for one device; after the swap the displaced
// socket is sent the replaced info frame, closed, and reported to the
// evict observer.
func (r *Registry) Register(sock Transport, deviceID, sharedSecret string, roles []string) (*RegisterResult, error) {
	canon := frame.CanonicalDeviceID(deviceID)
	if canon == "" {
		return nil, ErrInvalidDeviceID
	}
	if sharedSecret != r.sharedSecret {
		return nil, ErrAuthFailed
	}
	if r.allowlist != nil {
		if _, ok := r.allowlist[canon]; !ok {
			return nil, ErrNotAllowlisted
		}
	}

	conn := &Connection{
		DeviceID:       canon,
		Roles:          frame.CanonicalRoles(roles),
		ConnectedSince: time.Now(),
		RemoteAddr:     sock.RemoteAddr(),
		sock:           sock,
	}

	r.mu.Lock()
	prev := r.byDevice[canon]
	r.byDevice[canon] = conn
	r.mu.Unlock()

	if prev != nil {
		r.log.Info().Str("device", canon).Msg("replacing existing connection")
		_ = prev.sock.WriteFrame(&frame.Frame{Type: wire.TypeInfo, Status: "replaced_by_new_connection"})
		_ = prev.sock.Close(wire.CloseReplaced, wire.CloseReasonReplaced)
		if r.onEvict != nil {
			r.onEvict(canon, prev.sock, wire.CloseReasonReplaced)
		}
	}

	return &RegisterResult{Connection: conn, Replaced: prev}, nil
}

// Lookup returns the live connection for a canonical device id, if any.
func (r *Registry) Lookup(deviceID string) (*Connection, bool) {
	canon := frame.CanonicalDeviceID(deviceID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byDevice[canon]
	return c, ok
}

// Seen reports whether deviceID is currently registered; it is the same
// check as Lookup. The registry keeps no record of devices that have
// disconnected, so a device that registered earlier and has since gone
// away reports false, exactly like one that never registered.
func (r *Registry) Seen(deviceID string) bool {
	_, ok := r.Lookup(deviceID)
	return ok
}

// List returns every connected device sorted by device id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.byDevice))
	for _, c := range r.byDevice {
		out = append(out, Info{DeviceID: c.DeviceID, Roles: c.Roles, ConnectedSince: c.ConnectedSince})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Evict removes the record for sock if it is still the one indexed for its
// device (idempotent: a stale eviction after a replace is a no-op).
func (r *Registry) Evict(deviceID string, sock Transport, reason string) {
	canon := frame.CanonicalDeviceID(deviceID)

	r.mu.Lock()
	cur, ok := r.byDevice[canon]
	if !ok || cur.sock != sock {
		r.mu.Unlock()
		return
	}
	delete(r.byDevice, canon)
	r.mu.Unlock()

	r.log.Info().Str("device", canon).Str("reason", reason).Msg("evicted connection")
	if r.onEvict != nil {
		r.onEvict(canon, sock, reason)
	}
}

// EvictBySocket is used when the caller only has the socket handle (e.g. on
// a raw connection close) and must find the device id itself.
func (r *Registry) EvictBySocket(sock Transport, reason string) {
	r.mu.RLock()
	var deviceID string
	for id, c := range r.byDevice {
		if c.sock == sock {
			deviceID = id
			break
		}
	}
	r.mu.RUnlock()
	if deviceID == "" {
		return
	}
	r.Evict(deviceID, sock, reason)
}
