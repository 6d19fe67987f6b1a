// Package pending implements the relay's correlation table for in-flight
// xsend messages awaiting an xack. It mirrors the request/response
// correlation the teacher's kgo broker keeps per connection (promisedReq /
// promisedResp, matched by correlation ID) generalized from one
// connection's in-flight Kafka requests to one relay's in-flight xsends,
// matched by the sender-assigned messageId.
package pending

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anamnesos/squidrelay/internal/registry"
)

// Entry is one in-flight xsend awaiting its xack.
type Entry struct {
	MessageID    string
	SenderSocket registry.Transport
	FromDevice   string
	ToDevice     string
	CreatedAt    time.Time

	timer *time.Timer
}

// Outcome enumerates how an Entry left the table, for the audit observer.
type Outcome string

const (
	OutcomeAcked       Outcome = "acked"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeExpired     Outcome = "expired"
	OutcomeSenderGone  Outcome = "sender_gone"
	OutcomeTargetGone  Outcome = "target_gone"
)

// Observer is notified whenever an Entry reaches a terminal state.
type Observer func(e *Entry, outcome Outcome)

// Tracker owns the message-id -> Entry table. One instance is shared by
// the relay's router for all connections.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry

	defaultTTL time.Duration
	minTTL     time.Duration

	onExpire     func(e *Entry)
	onSupersede  func(old *Entry)
	onTargetGone func(e *Entry)

	observers []Observer
	log       zerolog.Logger
}

// New builds a Tracker. defaultTTL is used when Install is called without
// an explicit ttl; both are floored at minTTL (spec floor: 1s).
func New(defaultTTL time.Duration, log zerolog.Logger) *Tracker {
	const minTTL = time.Second
	if defaultTTL < minTTL {
		defaultTTL = minTTL
	}
	return &Tracker{
		entries:    make(map[string]*Entry),
		defaultTTL: defaultTTL,
		minTTL:     minTTL,
		log:        log.With().Str("component", "pending").Logger(),
	}
}

// OnExpire installs the callback fired when an entry's TTL elapses before
// an ack arrives.
func (t *Tracker) OnExpire(fn func(e *Entry)) { t.onExpire = fn }

// OnSupersede installs the callback fired when a new xsend with the same
// messageId replaces a still-live entry.
func (t *Tracker) OnSupersede(fn func(old *Entry)) { t.onSupersede = fn }

// Observe registers an audit/metrics observer for every terminal
// transition (acked, superseded, expired, sender/target gone).
func (t *Tracker) Observe(fn Observer) {
	t.observers = append(t.observers, fn)
}

func (t *Tracker) notify(e *Entry, outcome Outcome) {
	for _, o := range t.observers {
		o(e, outcome)
	}
}

// Install creates a pending entry for messageId, first superseding any
// entry already live for the same id. ttl <= 0 selects the tracker's
// default. Returns the new entry.
func (t *Tracker) Install(messageID string, sender registry.Transport, fromDevice, toDevice string, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = t.defaultTTL
	} else if ttl < t.minTTL {
		ttl = t.minTTL
	}

	e := &Entry{
		MessageID:    messageID,
		SenderSocket: sender,
		FromDevice:   fromDevice,
		ToDevice:     toDevice,
		CreatedAt:    time.Now(),
	}

	t.mu.Lock()
	old, existed := t.entries[messageID]
	t.entries[messageID] = e
	t.mu.Unlock()

	if existed {
		old.timer.Stop()
		if t.onSupersede != nil {
			t.onSupersede(old)
		}
		t.notify(old, OutcomeSuperseded)
	}

	e.timer = time.AfterFunc(ttl, func() { t.expire(messageID) })
	return e
}

func (t *Tracker) expire(messageID string) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, messageID)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(e)
	}
	t.notify(e, OutcomeExpired)
}

// Ack removes and returns the entry for messageId, if any. The caller
// decides what to do with it (e.g. forward an ack to the sender); the
// removal itself is atomic so a late duplicate ack is silently a miss.
func (t *Tracker) Ack(messageID string) (*Entry, bool) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
	}
	t.mu.Unlock()

	if ok {
		e.timer.Stop()
		t.notify(e, OutcomeAcked)
	}
	return e, ok
}

// Remove deletes the entry for messageId without emitting any observer
// notification. Used when the router itself installed an entry and then
// immediately discovered the delivery could not proceed (e.g. a
// synchronous write failure) — there is nothing to audit as an outcome
// because the entry never really went live from the target's perspective.
func (t *Tracker) Remove(messageID string) (*Entry, bool) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
	}
	t.mu.Unlock()
	if ok {
		e.timer.Stop()
	}
	return e, ok
}

// DropForSocket removes every entry whose sender is sock without invoking
// any callback (used on sender disconnect: nobody is left to nack).
// Observers still see each dropped entry as OutcomeSenderGone.
func (t *Tracker) DropForSocket(sock registry.Transport) []*Entry {
	t.mu.Lock()
	var dropped []*Entry
	for id, e := range t.entries {
		if e.SenderSocket == sock {
			dropped = append(dropped, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range dropped {
		e.timer.Stop()
		t.notify(e, OutcomeSenderGone)
	}
	return dropped
}

// DropForTarget removes every entry whose ToDevice is deviceID, invoking
// onTargetGone (if set) for each so the router can nack the sender with
// target_disconnected.
func (t *Tracker) DropForTarget(deviceID string) []*Entry {
	t.mu.Lock()
	var dropped []*Entry
	for id, e := range t.entries {
		if e.ToDevice == deviceID {
			dropped = append(dropped, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range dropped {
		e.timer.Stop()
		if t.onTargetGone != nil {
			t.onTargetGone(e)
		}
		t.notify(e, OutcomeTargetGone)
	}
	return dropped
}

// OnTargetGone installs the callback fired for each entry dropped by
// DropForTarget.
func (t *Tracker) OnTargetGone(fn func(e *Entry)) { t.onTargetGone = fn }

// Get returns the live entry for messageId without removing it (used by
// the router to validate the acker's identity before calling Ack).
func (t *Tracker) Get(messageID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[messageID]
	return e, ok
}

// Len reports the number of live entries, for metrics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
