package provider

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for a single provider.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that trips a circuit.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long an open circuit rejects calls before a trial.
	DefaultCooldown = 60 * time.Second
)

// Breaker is a per-provider circuit breaker. It isolates a repeatedly
// failing provider: after threshold consecutive failures the circuit opens
// for the cooldown window, then allows a single trial call in half-open.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	lastFail  time.Time
	deadline  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may be dispatched. In the open state it
// transitions to half-open once the cooldown deadline passes, admitting
// exactly one trial call; further calls are rejected until the trial
// resolves via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.deadline) {
			return false
		}
		b.state = StateHalfOpen
		return true
	case StateHalfOpen:
		// Trial call already in flight.
		return false
	}
	return false
}

// RecordSuccess resets the breaker. A half-open trial success closes the
// circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a failure. It reopens a half-open circuit and trips
// a closed one once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFail = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.deadline = b.lastFail.Add(b.cooldown)
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.deadline = b.lastFail.Add(b.cooldown)
		}
	}
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitzero"`
	Deadline    time.Time    `json:"cooldown_deadline,omitzero"`
}

// Status returns the current breaker state.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFail,
		Deadline:    b.deadline,
	}
}
