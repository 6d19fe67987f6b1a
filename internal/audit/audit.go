// Package audit keeps a bounded, in-memory record of terminal pending-ack
// transitions for the relay's /debug/recent introspection endpoint. It is
// explicitly non-persistent — restarting the relay process loses the ring,
// which is consistent with the relay's in-memory-only Non-goal.
//
// Grounded on the teacher's Hook interface family (BrokerWriteHook,
// BrokerReadHook, BrokerThrottleHook in pkg/kgo/broker.go): a side-channel
// observer that the hot path calls into without depending on what it does
// with the event.
package audit

import (
	"container/ring"
	"sync"
	"time"

	"github.com/anamnesos/squidrelay/internal/pending"
)

// Record is one terminal pending-entry transition.
type Record struct {
	MessageID  string
	FromDevice string
	ToDevice   string
	Outcome    pending.Outcome
	At         time.Time
}

// Ring is a fixed-capacity, thread-safe recent-events buffer.
type Ring struct {
	mu sync.Mutex
	r  *ring.Ring
}

// NewRing builds a Ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{r: ring.New(capacity)}
}

// Observer returns a pending.Observer that appends every terminal
// transition to the ring. Wire it with Tracker.Observe.
func (r *Ring) Observer() pending.Observer {
	return func(e *pending.Entry, outcome pending.Outcome) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.r.Value = Record{
			MessageID:  e.MessageID,
			FromDevice: e.FromDevice,
			ToDevice:   e.ToDevice,
			Outcome:    outcome,
			At:         time.Now(),
		}
		r.r = r.r.Next()
	}
}

// Recent returns up to the ring's capacity most-recent records, oldest
// first.
func (r *Ring) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	r.r.Do(func(v interface{}) {
		if v == nil {
			return
		}
		out = append(out, v.(Record))
	})
	return out
}
