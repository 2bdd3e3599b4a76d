// Package collector pulls raw posts from a source through the rate gate using
// concurrent fetch workers while keeping discovery order on output.
package collector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/ratelimit"
)

// Gate is the admission control the collector consults before every request.
type Gate interface {
	Admit() ratelimit.Decision
	ReportOutcome(t ratelimit.Ticket, success bool)
	Release(t ratelimit.Ticket)
}

// Recorder receives collection counters; metrics.Pipeline implements it.
type Recorder interface {
	FetchAttempt(result string)
	GateDenied(reason string)
	ItemSkipped(kind string)
}

// Backoff shapes the delay between transient-failure retries.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  float64
}

// Config bounds one collection run.
type Config struct {
	Workers     int
	MaxAttempts int
	MaxWait     time.Duration
	RunTimeout  time.Duration
	MaxItems    int
	Backoff     Backoff
	// Seed makes retry jitter reproducible when non-zero.
	Seed uint64
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxAttempts: 3,
		MaxWait:     2 * time.Minute,
		RunTimeout:  10 * time.Minute,
		MaxItems:    500,
		Backoff:     Backoff{Initial: time.Second, Factor: 2, Max: time.Minute, Jitter: 0.25},
	}
}

// Collector is safe for concurrent runs; they share only the gate.
type Collector struct {
	gate     Gate
	clock    clock.Clock
	cfg      Config
	logger   logging.Logger
	recorder Recorder

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(col *Collector) { col.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(col *Collector) { col.logger = l } }

// WithRecorder wires collection counters.
func WithRecorder(r Recorder) Option { return func(col *Collector) { col.recorder = r } }

// New builds a collector around gate.
func New(gate Gate, cfg Config, opts ...Option) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = 1
	}
	c := &Collector{
		gate:     gate,
		clock:    clock.Real{},
		cfg:      cfg,
		logger:   logging.NewNop(),
		recorder: nopRecorder{},
	}
	if cfg.Seed != 0 {
		c.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) rand() float64 {
	if c.rng == nil {
		return rand.Float64()
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

// Stats counts what happened in a run.
type Stats struct {
	Discovered int
	Emitted    int
	Skipped    int
}

// Run is a single-use lazy collection. Iterate All once, then read Events, Stats and Err.
type Run struct {
	c      *Collector
	ctx    context.Context
	src    ports.PostSource
	query  domain.Query
	used   atomic.Bool
	mu     sync.Mutex
	events []domain.FailureEvent
	stats  Stats
	err    error
}

// Collect prepares a run of src for q. Nothing is fetched until All is iterated.
func (c *Collector) Collect(ctx context.Context, src ports.PostSource, q domain.Query) *Run {
	return &Run{c: c, ctx: ctx, src: src, query: q}
}

// Events returns the failure events recorded so far.
func (r *Run) Events() []domain.FailureEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FailureEvent(nil), r.events...)
}

// Stats returns run counters.
func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Err is non-nil when the run was aborted: the circuit stayed open beyond the
// max wait, discovery failed permanently, or the caller cancelled. Reaching the
// run timeout or the caller's deadline is not an error.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// All yields raw posts in discovery order. A second call yields nothing.
func (r *Run) All() iter.Seq[domain.RawPost] {
	return func(yield func(domain.RawPost) bool) {
		if !r.used.CompareAndSwap(false, true) {
			return
		}
		r.run(yield)
	}
}

type job struct {
	seq       int
	candidate domain.Candidate
}

type result struct {
	seq int
	raw domain.RawPost
	ok  bool
}

func (r *Run) record(ev *domain.FailureEvent) {
	if ev == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.stats.Skipped++
	r.mu.Unlock()
}

func (r *Run) run(yield func(domain.RawPost) bool) {
	c := r.c
	maxItems := c.cfg.MaxItems
	if r.query.MaxItems > 0 {
		maxItems = r.query.MaxItems
	}

	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	var deadline time.Time
	if c.cfg.RunTimeout > 0 {
		deadline = c.clock.Now().Add(c.cfg.RunTimeout)
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancelTimeout()
	}

	log := c.logger.With(logging.String("source", r.src.Name()), logging.String("query", r.query.Term))
	log.Info("collection started", logging.Int("max_items", maxItems), logging.Int("workers", c.cfg.Workers))

	jobs := make(chan job)
	results := make(chan result, c.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		return r.discover(gctx, deadline, jobs)
	})
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				raw, out := attempt(gctx, c, deadline, j.candidate.ID, func(ctx context.Context) (domain.RawPost, error) {
					return r.src.Fetch(ctx, j.candidate)
				})
				if out.fatal != nil {
					return out.fatal
				}
				r.record(out.event)
				select {
				case results <- result{seq: j.seq, raw: raw, ok: out.event == nil}:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(results)
	}()

	// Reorder buffer: results arrive in completion order and leave in discovery order.
	pending := map[int]result{}
	next, emitted := 0, 0
	stopped := false
	emit := func(res result) {
		if !res.ok || stopped {
			return
		}
		emitted++
		r.mu.Lock()
		r.stats.Emitted = emitted
		r.mu.Unlock()
		if !yield(res.raw) || (maxItems > 0 && emitted >= maxItems) {
			stopped = true
			cancel()
		}
	}

	for res := range results {
		if stopped {
			continue
		}
		pending[res.seq] = res
		for {
			p, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			emit(p)
		}
	}

	// Items that finished behind an abandoned one are still partial results.
	if !stopped && len(pending) > 0 {
		seqs := make([]int, 0, len(pending))
		for s := range pending {
			seqs = append(seqs, s)
		}
		sort.Ints(seqs)
		for _, s := range seqs {
			emit(pending[s])
		}
	}

	// Idle workers exit cleanly on expiry, so the deadline may not surface through the group.
	if waitErr == nil && !stopped && ctx.Err() != nil {
		waitErr = ctx.Err()
	}
	r.finish(waitErr, stopped, log)
}

func (r *Run) finish(err error, stopped bool, log logging.Logger) {
	c := r.c
	switch {
	case err == nil:
	case errors.Is(err, errDeadline), errors.Is(err, context.DeadlineExceeded):
		msg := "run timeout reached, returning partial results"
		if r.ctx.Err() != nil {
			msg = "caller deadline reached, returning partial results"
		}
		r.mu.Lock()
		r.events = append(r.events, domain.FailureEvent{
			Kind:    domain.EventDeadlineReached,
			Message: msg,
			At:      c.clock.Now(),
		})
		r.mu.Unlock()
		err = nil
	case errors.Is(err, errCircuitStuck):
		r.mu.Lock()
		r.events = append(r.events, domain.FailureEvent{
			Kind:    domain.EventCircuitOpen,
			Message: err.Error(),
			At:      c.clock.Now(),
		})
		r.mu.Unlock()
		err = fmt.Errorf("collect: %w", err)
	case stopped && errors.Is(err, context.Canceled) && r.ctx.Err() == nil:
		err = nil
	default:
		err = fmt.Errorf("collect: %w", err)
	}

	r.mu.Lock()
	r.err = err
	stats := r.stats
	r.mu.Unlock()

	fields := []logging.Field{
		logging.Int("discovered", stats.Discovered),
		logging.Int("emitted", stats.Emitted),
		logging.Int("skipped", stats.Skipped),
	}
	if err != nil {
		log.Warn("collection aborted", append(fields, logging.Err(err))...)
		return
	}
	log.Info("collection finished", fields...)
}

func (r *Run) discover(ctx context.Context, deadline time.Time, jobs chan<- job) error {
	c := r.c
	pager, err := r.src.Open(ctx, r.query)
	if err != nil {
		return fmt.Errorf("open source %s: %w", r.src.Name(), err)
	}

	seq := 0
	for page := 1; ; page++ {
		pageID := fmt.Sprintf("%s#page-%d", r.src.Name(), page)
		exhausted := false
		candidates, out := attempt(ctx, c, deadline, pageID, func(ctx context.Context) ([]domain.Candidate, error) {
			cands, err := pager.NextPage(ctx)
			if errors.Is(err, domain.ErrEndOfStream) {
				exhausted = true
				return cands, nil
			}
			return cands, err
		})
		if out.fatal != nil {
			return out.fatal
		}
		if out.event != nil {
			ev := *out.event
			ev.Kind = domain.EventDiscoverFailed
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			return nil
		}

		for _, cand := range candidates {
			select {
			case jobs <- job{seq: seq, candidate: cand}:
				seq++
				r.mu.Lock()
				r.stats.Discovered++
				r.mu.Unlock()
			case <-ctx.Done():
				return nil
			}
		}
		if exhausted || len(candidates) == 0 {
			return nil
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) FetchAttempt(string) {}
func (nopRecorder) GateDenied(string)   {}
func (nopRecorder) ItemSkipped(string)  {}
