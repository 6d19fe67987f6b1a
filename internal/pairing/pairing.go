// Package pairing implements the short-code device-pairing exchange: a
// freshly-installed device issues a code, a second device redeems it, and
// both learn a shared secret and each other's device id.
//
// The gating discipline here is grounded on the teacher's brokerCxn.sasl():
// a bounded, timed exchange that must succeed before two parties trust each
// other, with failures counted and the exchange cut off once a cap is hit.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anamnesos/squidrelay/internal/registry"
	"github.com/anamnesos/squidrelay/internal/wire"
)

// codeAlphabet is Crockford-like, omitting visually ambiguous characters
// (0/O, 1/I) so a code can be read aloud or over a screen share.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength        = 6
	codeTTL           = 90 * time.Second
	cleanupSlack      = 100 * time.Millisecond
	maxFailedAttempts = 5
	maxSampleAttempts = 10
)

// ErrRateLimited is returned by Init when a fresh code cannot be sampled
// within maxSampleAttempts tries (astronomically unlikely; guards against a
// broken RNG rather than real collisions).
var ErrRateLimited = errors.New("pairing: rate_limited")

type entry struct {
	code              string
	initiatorSocket   registry.Transport
	initiatorDeviceID string
	createdAt         time.Time
	expiresAt         time.Time
	failedAttempts    int
	failedBySource    map[string]int
	timer             *time.Timer
}

// Engine owns the outstanding pairing codes. One instance is shared by the
// relay across all connections.
type Engine struct {
	mu              sync.Mutex
	byCode          map[string]*entry
	byInitiator     map[string]string // deviceID -> code
	unknownBySource map[string]int    // scan-detection counter, independent of any single code

	relayURL string
	log      zerolog.Logger
}

// New builds an Engine. relayURL is advertised to both peers in the
// pairing-complete frame.
func New(relayURL string, log zerolog.Logger) *Engine {
	return &Engine{
		byCode:          make(map[string]*entry),
		byInitiator:     make(map[string]string),
		unknownBySource: make(map[string]int),
		relayURL:        relayURL,
		log:             log.With().Str("component", "pairing").Logger(),
	}
}

// Init issues a fresh code for initiatorDeviceID, purging any code that
// device already holds. Returns the code and its expiry.
func (e *Engine) Init(sock registry.Transport, initiatorDeviceID string) (code string, expiresAt time.Time, err error) {
	code, err = e.sampleCode()
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	ent := &entry{
		code:              code,
		initiatorSocket:   sock,
		initiatorDeviceID: initiatorDeviceID,
		createdAt:         now,
		expiresAt:         now.Add(codeTTL),
		failedBySource:    make(map[string]int),
	}

	e.mu.Lock()
	if prevCode, ok := e.byInitiator[initiatorDeviceID]; ok {
		e.destroyLocked(prevCode)
	}
	e.byCode[code] = ent
	e.byInitiator[initiatorDeviceID] = code
	e.mu.Unlock()

	ent.timer = time.AfterFunc(codeTTL+cleanupSlack, func() { e.expire(code) })

	return code, ent.expiresAt, nil
}

func (e *Engine) sampleCode() (string, error) {
	for attempt := 0; attempt < maxSampleAttempts; attempt++ {
		candidate, err := randomCode()
		if err != nil {
			return "", err
		}
		e.mu.Lock()
		_, exists := e.byCode[candidate]
		e.mu.Unlock()
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrRateLimited
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func (e *Engine) expire(code string) {
	e.mu.Lock()
	ent, ok := e.byCode[code]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.destroyLocked(code)
	e.mu.Unlock()
	e.log.Debug().Str("code", ent.code).Msg("pairing code expired")
}

// destroyLocked removes code from both indices. Caller must hold e.mu.
func (e *Engine) destroyLocked(code string) {
	ent, ok := e.byCode[code]
	if !ok {
		return
	}
	delete(e.byCode, code)
	if e.byInitiator[ent.initiatorDeviceID] == code {
		delete(e.byInitiator, ent.initiatorDeviceID)
	}
	if ent.timer != nil {
		ent.timer.Stop()
	}
}

// JoinResult carries everything the router needs to build the two
// pairing-complete frames on success.
type JoinResult struct {
	InitiatorSocket   registry.Transport
	InitiatorDeviceID string
	SharedSecret      string
}

// Join attempts to redeem code on behalf of joinerDeviceID, identified for
// per-source throttling by sourceKey (remote address, falling back to a
// socket identity string). Success, expiry, a reached failure cap and a
// closed initiator socket each destroy the code; a join from the
// initiator's own device counts a per-code failure and leaves the code live
// until the cap is reached. The empty string return value means success;
// otherwise it is one of wire.PairingInvalidCode / PairingExpired /
// PairingRateLimited.
func (e *Engine) Join(code, sourceKey, joinerDeviceID string) (*JoinResult, string, error) {
	code = normalizeCode(code)

	e.mu.Lock()
	ent, ok := e.byCode[code]
	if !ok {
		if sourceKey != "" {
			e.unknownBySource[sourceKey]++
		}
		e.mu.Unlock()
		return nil, wire.PairingInvalidCode, nil
	}

	if time.Now().After(ent.expiresAt) {
		e.destroyLocked(code)
		e.mu.Unlock()
		return nil, wire.PairingExpired, nil
	}

	if ent.failedAttempts >= maxFailedAttempts {
		e.destroyLocked(code)
		e.mu.Unlock()
		return nil, wire.PairingRateLimited, nil
	}

	if ent.initiatorSocket.IsClosed() {
		e.destroyLocked(code)
		e.mu.Unlock()
		return nil, wire.PairingInvalidCode, nil
	}

	if ent.initiatorDeviceID == joinerDeviceID {
		reason := e.recordFailureLocked(ent, sourceKey)
		e.mu.Unlock()
		return nil, reason, nil
	}

	// Success: destroy the code and snapshot what the router needs while
	// still holding the lock, so a concurrent second join cannot also
	// succeed against the same code.
	e.destroyLocked(code)
	initiatorSocket := ent.initiatorSocket
	initiatorDeviceID := ent.initiatorDeviceID
	e.mu.Unlock()

	secret, err := randomSecret()
	if err != nil {
		return nil, "", err
	}

	return &JoinResult{
		InitiatorSocket:   initiatorSocket,
		InitiatorDeviceID: initiatorDeviceID,
		SharedSecret:      secret,
	}, "", nil
}

// recordFailureLocked increments both failure counters for ent and
// destroys the code if the per-code cap is reached. Caller must hold e.mu.
func (e *Engine) recordFailureLocked(ent *entry, sourceKey string) string {
	ent.failedAttempts++
	if sourceKey != "" {
		ent.failedBySource[sourceKey]++
	}
	if ent.failedAttempts >= maxFailedAttempts {
		e.destroyLocked(ent.code)
		return wire.PairingRateLimited
	}
	return wire.PairingInvalidCode
}

// RelayURL returns the URL advertised in pairing-complete frames.
func (e *Engine) RelayURL() string { return e.relayURL }

// SourceFailures reports the scan-detection miss count for sourceKey,
// for operator-facing metrics/blackholing decisions.
func (e *Engine) SourceFailures(sourceKey string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unknownBySource[sourceKey]
}

func normalizeCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
