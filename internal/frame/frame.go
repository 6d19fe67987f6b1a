// Package frame decodes and normalizes the JSON wire frames exchanged
// between the relay and its peers. It is a pure library: no socket, no
// locking, no clock reads beyond what a caller passes in.
package frame

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidJSON is returned by Decode when the payload does not decode
// into a Frame or its type field is empty.
var ErrInvalidJSON = errors.New("frame: invalid_json")

// Frame is the normalized, caller-facing view of one wire message. Fields
// that do not apply to a given Type are left at their zero value.
type Frame struct {
	Type string `json:"type"`

	// register
	DeviceID        string   `json:"deviceId,omitempty"`
	SharedSecret    string   `json:"sharedSecret,omitempty"`
	AvailableRoles  []string `json:"availableRoles,omitempty"`

	// register-ack
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// xsend / xdeliver
	MessageID  string          `json:"messageId,omitempty"`
	FromDevice string          `json:"fromDevice,omitempty"`
	ToDevice   string          `json:"toDevice,omitempty"`
	FromRole   string          `json:"fromRole,omitempty"`
	TargetRole string          `json:"targetRole,omitempty"`
	Content    string          `json:"content,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`

	// xsend nack extras
	UnknownDevice    string   `json:"unknownDevice,omitempty"`
	ConnectedDevices []string `json:"connectedDevices,omitempty"`

	// xack
	Accepted bool   `json:"accepted,omitempty"`
	Queued   bool   `json:"queued,omitempty"`
	Verified bool   `json:"verified,omitempty"`
	Status   string `json:"status,omitempty"`

	// xdiscovery
	RequestID        string             `json:"requestId,omitempty"`
	RequestIDEcho    string             `json:"request_id,omitempty"`
	ConnectedDevList []ConnectedDevice  `json:"connected_devices,omitempty"`

	// pairing
	Code           string `json:"code,omitempty"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	Reason         string `json:"reason,omitempty"`
	PairedDeviceID string `json:"paired_device_id,omitempty"`
	RelayURL       string `json:"relay_url,omitempty"`

	// pairing-complete uses device_id/shared_secret rather than the
	// camelCase fields above, per the wire table in the spec.
	DeviceIDSnake     string `json:"device_id,omitempty"`
	SharedSecretSnake string `json:"shared_secret,omitempty"`

	// ping/pong/info/error
	Ts int64 `json:"ts,omitempty"`
}

// ConnectedDevice is one row of an xdiscovery reply.
type ConnectedDevice struct {
	DeviceID       string   `json:"device_id"`
	Roles          []string `json:"roles"`
	ConnectedSince int64    `json:"connected_since"`
}

// Decode parses raw bytes into a Frame. Unknown fields are ignored by
// encoding/json's default behavior, satisfying the codec's "unknown
// fields MUST be ignored" contract.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, ErrInvalidJSON
	}
	if strings.TrimSpace(f.Type) == "" {
		return nil, ErrInvalidJSON
	}
	return &f, nil
}

// Encode serializes a Frame back to wire bytes.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// TrimScalar applies the codec's whitespace-trim rule; nil/undefined input
// already surfaces as Go's zero value "" from json.Unmarshal.
func TrimScalar(s string) string {
	return strings.TrimSpace(s)
}

const deviceIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-"
const roleAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789_-"

// CanonicalDeviceID uppercases s and strips every character outside
// [A-Z0-9_-]. Returns "" if nothing survives.
func CanonicalDeviceID(s string) string {
	s = strings.ToUpper(TrimScalar(s))
	return filterAlphabet(s, deviceIDAlphabet)
}

// CanonicalRole lowercases s and strips every character outside
// [a-z0-9_-]. Returns "" if nothing survives.
func CanonicalRole(s string) string {
	s = strings.ToLower(TrimScalar(s))
	return filterAlphabet(s, roleAlphabet)
}

func filterAlphabet(s, alphabet string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(alphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalRoles takes a []string of roles (ParseRoleList splits a
// comma/whitespace separated string into one), canonicalizes each token,
// drops empties, and collapses duplicates while preserving first-seen
// order.
func CanonicalRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		c := CanonicalRole(r)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ParseRoleList splits a comma/whitespace-separated role string into a
// canonicalized, deduplicated list. Decode does not call it: availableRoles
// is decoded only from a JSON array, and a frame whose availableRoles is a
// plain string fails Decode with ErrInvalidJSON.
func ParseRoleList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	return CanonicalRoles(fields)
}
