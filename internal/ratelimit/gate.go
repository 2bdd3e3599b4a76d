// Package ratelimit implements admission control for outbound collection requests:
// a token bucket, an adaptive minimum interval and a circuit breaker behind one lock.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
)

// trialPollInterval is the retry hint while another caller holds the half-open trial.
const trialPollInterval = time.Second

// Reason explains a denial.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonRateLimited  Reason = "rate_limited"
	ReasonBackoff      Reason = "backoff"
	ReasonCircuitOpen  Reason = "circuit_open"
	ReasonHalfOpenBusy Reason = "half_open_busy"
)

// Config holds gate parameters. Durations are absolute, not seconds.
type Config struct {
	Capacity         int
	RefillPerSecond  float64
	FailureThreshold int
	CoolDown         time.Duration
	MinInterval      time.Duration
	BackoffInitial   time.Duration
	BackoffFactor    float64
	MaxInterval      time.Duration
	OnStateChange    func(from, to State)
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:         10,
		RefillPerSecond:  1,
		FailureThreshold: 5,
		CoolDown:         60 * time.Second,
		BackoffInitial:   time.Second,
		BackoffFactor:    2,
		MaxInterval:      60 * time.Second,
	}
}

// Validate rejects configurations the gate cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be >= 1, got %d", c.Capacity))
	}
	if c.RefillPerSecond <= 0 || math.IsNaN(c.RefillPerSecond) || math.IsInf(c.RefillPerSecond, 0) {
		errs = append(errs, fmt.Errorf("refillPerSecond must be > 0, got %v", c.RefillPerSecond))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("failureThreshold must be >= 1, got %d", c.FailureThreshold))
	}
	if c.CoolDown <= 0 {
		errs = append(errs, fmt.Errorf("coolDown must be > 0, got %v", c.CoolDown))
	}
	if c.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("minInterval must be >= 0, got %v", c.MinInterval))
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, fmt.Errorf("backoffInitial must be > 0, got %v", c.BackoffInitial))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("backoffFactor must be >= 1, got %v", c.BackoffFactor))
	}
	if c.MaxInterval < c.MinInterval || c.MaxInterval < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("maxInterval %v must be >= minInterval and backoffInitial", c.MaxInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: rate: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Ticket identifies an admitted request when its outcome is reported.
type Ticket struct {
	epoch uint64
	trial bool
}

// Trial reports whether the ticket is the single half-open trial request.
func (t Ticket) Trial() bool { return t.trial }

// Decision is the result of Admit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     Reason
	Ticket     Ticket
}

// Err converts a denial into the matching sentinel error.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonNone:
		return nil
	case ReasonCircuitOpen, ReasonHalfOpenBusy:
		return fmt.Errorf("%w: retry after %v", domain.ErrCircuitOpen, d.RetryAfter)
	default:
		return fmt.Errorf("%w (%s): retry after %v", domain.ErrRateLimited, d.Reason, d.RetryAfter)
	}
}

// Budget is a point-in-time copy of the gate state.
type Budget struct {
	Tokens              float64       `json:"tokens"`
	Capacity            int           `json:"capacity"`
	LastRefill          time.Time     `json:"lastRefill"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	State               string        `json:"state"`
	Interval            time.Duration `json:"interval"`
	OpenedAt            time.Time     `json:"openedAt,omitempty"`
	TrialInFlight       bool          `json:"trialInFlight"`
	Admitted            uint64        `json:"admitted"`
	Denied              uint64        `json:"denied"`
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`
}

// SuccessRate is successes over reported outcomes, 1 when nothing was reported.
func (b Budget) SuccessRate() float64 {
	total := b.Successes + b.Failures
	if total == 0 {
		return 1
	}
	return float64(b.Successes) / float64(total)
}

// Gate serializes every read and write of the rate budget behind a single mutex.
type Gate struct {
	mu         sync.Mutex
	cfg        Config
	clock      clock.Clock
	bucket     *rate.Limiter
	breaker    *breaker
	interval   time.Duration
	lastAdmit  time.Time
	lastRefill time.Time

	admitted, denied, successes, failures uint64
}

// New builds a gate with a full bucket.
func New(cfg Config, clk clock.Clock) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	now := clk.Now()
	return &Gate{
		cfg:        cfg,
		clock:      clk,
		bucket:     rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		breaker:    newBreaker(cfg.FailureThreshold, cfg.CoolDown, cfg.OnStateChange),
		interval:   cfg.MinInterval,
		lastRefill: now,
	}, nil
}

// Admit decides whether one outbound request may proceed now.
// Order: circuit state, then adaptive spacing, then the token bucket.
func (g *Gate) Admit() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.breaker.poll(now)

	switch g.breaker.state {
	case StateOpen:
		return g.deny(ReasonCircuitOpen, g.breaker.remaining(now))
	case StateHalfOpen:
		if g.breaker.trialInFlight {
			return g.deny(ReasonHalfOpenBusy, trialPollInterval)
		}
	case StateClosed:
	}

	if g.interval > 0 && !g.lastAdmit.IsZero() {
		if wait := g.lastAdmit.Add(g.interval).Sub(now); wait > 0 {
			return g.deny(ReasonBackoff, wait)
		}
	}

	g.lastRefill = now
	if !g.bucket.AllowN(now, 1) {
		missing := 1 - g.bucket.TokensAt(now)
		return g.deny(ReasonRateLimited, secondsToDuration(missing/g.cfg.RefillPerSecond))
	}

	g.admitted++
	g.lastAdmit = now
	ticket := Ticket{epoch: g.breaker.epoch}
	if g.breaker.state == StateHalfOpen {
		g.breaker.trialInFlight = true
		ticket.trial = true
	}
	return Decision{Allowed: true, Ticket: ticket}
}

// ReportOutcome feeds the result of an admitted request back into the budget.
// Outcomes of requests admitted before the circuit last opened are ignored.
func (g *Gate) ReportOutcome(t Ticket, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if t.epoch != g.breaker.epoch || g.breaker.state == StateOpen {
		return
	}
	if g.breaker.state == StateHalfOpen && !t.trial {
		return
	}

	if success {
		g.successes++
		g.breaker.recordSuccess(now)
		g.interval = g.cfg.MinInterval
		return
	}

	g.failures++
	if g.breaker.state == StateClosed {
		g.growInterval()
	}
	g.breaker.recordFailure(now)
}

// Release frees a half-open trial slot without recording an outcome,
// e.g. when the caller was cancelled before the upstream answered.
func (g *Gate) Release(t Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.trial && t.epoch == g.breaker.epoch && g.breaker.state == StateHalfOpen {
		g.breaker.trialInFlight = false
	}
}

// State returns the current circuit state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breaker.poll(g.clock.Now())
	return g.breaker.state
}

// Snapshot copies the budget for diagnostics.
func (g *Gate) Snapshot() Budget {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.breaker.poll(now)
	b := Budget{
		Tokens:              g.bucket.TokensAt(now),
		Capacity:            g.cfg.Capacity,
		LastRefill:          g.lastRefill,
		ConsecutiveFailures: g.breaker.failures,
		State:               g.breaker.state.String(),
		Interval:            g.interval,
		TrialInFlight:       g.breaker.trialInFlight,
		Admitted:            g.admitted,
		Denied:              g.denied,
		Successes:           g.successes,
		Failures:            g.failures,
	}
	if g.breaker.state != StateClosed {
		b.OpenedAt = g.breaker.openedAt
	}
	return b
}

func (g *Gate) growInterval() {
	next := g.cfg.BackoffInitial
	if g.interval >= g.cfg.BackoffInitial {
		next = time.Duration(float64(g.interval) * g.cfg.BackoffFactor)
	}
	if next < g.cfg.MinInterval {
		next = g.cfg.MinInterval
	}
	if next > g.cfg.MaxInterval || next < 0 {
		next = g.cfg.MaxInterval
	}
	g.interval = next
}

func (g *Gate) deny(reason Reason, retryAfter time.Duration) Decision {
	g.denied++
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{RetryAfter: retryAfter, Reason: reason}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
