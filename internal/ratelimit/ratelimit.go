// Package ratelimit tracks per-contact response pacing: a short cooldown
// between consecutive responses and a sliding-window frequency cap.
package ratelimit

import (
	"sync"
	"time"
)

// state holds the pacing bookkeeping for one contact key.
type state struct {
	last   time.Time   // most recent response, for the short cooldown
	recent []time.Time // response times inside the frequency window
}

// CooldownTracker is safe for concurrent use. All methods take a single
// internal lock, so each call is atomic with respect to the others.
type CooldownTracker struct {
	mu       sync.Mutex
	cooldown time.Duration
	contacts map[string]*state

	now func() time.Time // swapped in tests
}

// New returns a tracker enforcing the given short cooldown.
func New(shortCooldown time.Duration) *CooldownTracker {
	return &CooldownTracker{
		cooldown: shortCooldown,
		contacts: make(map[string]*state),
		now:      time.Now,
	}
}

// Allowed reports whether the short cooldown for key has elapsed. It never
// mutates state; contacts with no recorded response are always allowed.
func (t *CooldownTracker) Allowed(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.contacts[key]
	if !ok {
		return true
	}
	return t.now().Sub(st.last) >= t.cooldown
}

// RecordResponse stores now as the contact's last-response time.
func (t *CooldownTracker) RecordResponse(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.get(key).last = t.now()
}

// CheckFrequency prunes the contact's response times to the window ending
// now, then either records this moment and returns true (count below limit)
// or returns false without recording.
func (t *CooldownTracker) CheckFrequency(key string, limit int, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := t.get(key)
	st.recent = prune(st.recent, now.Add(-window))

	if len(st.recent) >= limit {
		return false
	}
	st.recent = append(st.recent, now)
	return true
}

// EvictStale drops contacts whose most recent activity is older than maxAge
// and returns how many were removed.
func (t *CooldownTracker) EvictStale(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	evicted := 0
	for key, st := range t.contacts {
		if latest(st).Before(cutoff) {
			delete(t.contacts, key)
			evicted++
		}
	}
	return evicted
}

// get returns the contact's state, creating it lazily. Caller holds the lock.
func (t *CooldownTracker) get(key string) *state {
	st, ok := t.contacts[key]
	if !ok {
		st = &state{}
		t.contacts[key] = st
	}
	return st
}

// prune drops timestamps at or before cutoff, preserving order.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// latest returns the most recent timestamp known for a contact.
func latest(st *state) time.Time {
	max := st.last
	if n := len(st.recent); n > 0 && st.recent[n-1].After(max) {
		max = st.recent[n-1]
	}
	return max
}
