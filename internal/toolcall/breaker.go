package toolcall

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type capState struct {
	state       breakerState
	consecutive int
	openedAt    time.Time
	probing     bool
}

// Breaker tracks consecutive failures per capability. After threshold
// failures the capability opens for the cool-down window; the first call
// after the window runs as a single half-open probe.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	mu        sync.Mutex
	caps      map[string]*capState
}

// NewBreaker builds a breaker; non-positive arguments fall back to defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, caps: make(map[string]*capState)}
}

func (b *Breaker) get(capability string) *capState {
	st, ok := b.caps[capability]
	if !ok {
		st = &capState{}
		b.caps[capability] = st
	}
	return st
}

// Allow reports whether a call to the capability may proceed. While open it
// returns ErrCapabilityUnavailable carrying the remaining cool-down; once the
// window has passed a single probe is let through.
func (b *Breaker) Allow(capability string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(capability)
	switch st.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		remaining := b.cooldown - time.Since(st.openedAt)
		if remaining > 0 {
			return &ErrCapabilityUnavailable{Capability: capability, RetryAfter: remaining}
		}
		st.state = breakerHalfOpen
		st.probing = true
		return nil
	case breakerHalfOpen:
		if st.probing {
			return &ErrCapabilityUnavailable{Capability: capability}
		}
		st.probing = true
		return nil
	}
	return nil
}

// Success records a completed call and closes the circuit.
func (b *Breaker) Success(capability string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(capability)
	st.state = breakerClosed
	st.consecutive = 0
	st.probing = false
}

// Failure records a failed call; the circuit opens at the threshold, and a
// failed half-open probe re-opens immediately.
func (b *Breaker) Failure(capability string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(capability)
	st.consecutive++
	if st.state == breakerHalfOpen {
		st.state = breakerOpen
		st.openedAt = time.Now()
		st.probing = false
		return
	}
	if st.consecutive >= b.threshold {
		st.state = breakerOpen
		st.openedAt = time.Now()
	}
}

// State returns the capability's circuit state for introspection.
func (b *Breaker) State(capability string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.caps[capability]
	if !ok {
		return "closed"
	}
	switch st.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
