package ratelimit

import "time"

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed admits requests and counts consecutive failures
	StateClosed State = iota
	// StateOpen denies every request until the cool-down elapses
	StateOpen
	// StateHalfOpen admits a single trial request
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is not safe for concurrent use; Gate serializes access.
type breaker struct {
	threshold     int
	coolDown      time.Duration
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
	epoch         uint64
	onStateChange func(from, to State)
}

func newBreaker(threshold int, coolDown time.Duration, onChange func(from, to State)) *breaker {
	return &breaker{
		threshold:     threshold,
		coolDown:      coolDown,
		state:         StateClosed,
		onStateChange: onChange,
	}
}

// poll moves Open to HalfOpen once the cool-down has elapsed.
func (b *breaker) poll(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.coolDown)) {
		b.transitionTo(StateHalfOpen, now)
	}
}

// remaining returns how long the circuit stays open.
func (b *breaker) remaining(now time.Time) time.Duration {
	return b.openedAt.Add(b.coolDown).Sub(now)
}

// recordFailure returns true when the failure tripped the circuit.
func (b *breaker) recordFailure(now time.Time) bool {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transitionTo(StateOpen, now)
			return true
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, now)
		return true
	case StateOpen:
	}
	return false
}

func (b *breaker) recordSuccess(now time.Time) {
	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed, now)
	}
}

func (b *breaker) transitionTo(next State, now time.Time) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.trialInFlight = false

	switch next {
	case StateOpen:
		b.failures = 0
		b.openedAt = now
		b.epoch++
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
	}

	if b.onStateChange != nil {
		b.onStateChange(prev, next)
	}
}
