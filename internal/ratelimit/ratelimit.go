// Package ratelimit throttles inbound frames per remote address. It backs
// both general frame-rate limiting and the xdiscovery-specific throttle
// from SPEC_FULL.md's resolution of Open Question (b) — both are the same
// concern, so they share one bucket family rather than inventing a second
// mechanism.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out a token-bucket limiter per source key, created lazily
// and kept for the lifetime of the process (bounded in practice by the
// number of distinct remote addresses a relay ever sees).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// New builds a Limiter allowing ratePerSecond sustained frames with bursts
// up to burst.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		r:       rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

// Allow reports whether a frame from sourceKey may proceed right now.
func (l *Limiter) Allow(sourceKey string) bool {
	return l.bucketFor(sourceKey).Allow()
}

func (l *Limiter) bucketFor(sourceKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[sourceKey]
	if !ok {
		b = rate.NewLimiter(l.r, l.burst)
		l.buckets[sourceKey] = b
	}
	return b
}
