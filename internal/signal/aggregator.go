// Package signal turns deduplicated posts into per-tag windowed sentiment
// signals with bootstrap confidence bounds.
package signal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/ports"
)

const sampleIDLimit = 5

// Config tunes window aggregation.
type Config struct {
	Window           time.Duration
	Weights          Weights
	BootstrapSamples int
	// Seed makes bootstrap intervals reproducible when non-zero.
	Seed            uint64
	BaselineWindows int
	MedianHistory   int
	// HalfLife of the temporal factor; defaults to Window.
	HalfLife     time.Duration
	ScoreWorkers int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:           5 * time.Minute,
		Weights:          DefaultWeights(),
		BootstrapSamples: 1000,
		BaselineWindows:  12,
		MedianHistory:    50,
		ScoreWorkers:     4,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if c.BootstrapSamples < 1 {
		errs = append(errs, errors.New("bootstrap samples must be at least 1"))
	}
	if c.BaselineWindows < 1 {
		errs = append(errs, errors.New("baseline windows must be at least 1"))
	}
	if c.MedianHistory < 1 {
		errs = append(errs, errors.New("median history must be at least 1"))
	}
	if c.HalfLife < 0 {
		errs = append(errs, errors.New("half-life must not be negative"))
	}
	if _, err := c.Weights.Normalized(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
}

// AddResult describes what happened to a batch handed to Add.
type AddResult struct {
	Accepted int
	Late     int
	Degraded int
	Events   []domain.FailureEvent
}

// Stats are cumulative aggregator counters.
type Stats struct {
	OpenWindows int `json:"openWindows"`
	Emitted     int `json:"emitted"`
	Late        int `json:"late"`
	Degraded    int `json:"degraded"`
}

type windowKey struct {
	tag   string
	start time.Time
}

type item struct {
	postID     string
	createdAt  time.Time
	sentiment  float64
	engagement float64
	degraded   bool
}

type window struct {
	key   windowKey
	items []item
}

type tagHistory struct {
	totals []float64
	// counts of emitted buckets keyed by bucket start (unix seconds)
	counts    map[int64]int
	watermark time.Time
	emitted   bool
}

// Aggregator keeps open windows per (tag, bucket). It is safe for concurrent use.
// Sentiment scoring and persistence run outside the lock.
type Aggregator struct {
	cfg     Config
	weights Weights
	scorer  ports.SentimentScorer
	store   ports.SignalStore
	clock   clock.Clock
	logger  logging.Logger

	mu      sync.Mutex
	open    map[windowKey]*window
	history map[string]*tagHistory
	stats   Stats
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithStore persists emitted windows.
func WithStore(s ports.SignalStore) Option { return func(a *Aggregator) { a.store = s } }

// WithClock replaces the wall clock used for emission timestamps.
func WithClock(c clock.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// New validates cfg and builds an aggregator around scorer.
func New(cfg Config, scorer ports.SentimentScorer, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		return nil, fmt.Errorf("%w: sentiment scorer is required", domain.ErrInvalidConfig)
	}
	if cfg.HalfLife == 0 {
		cfg.HalfLife = cfg.Window
	}
	if cfg.ScoreWorkers < 1 {
		cfg.ScoreWorkers = 1
	}
	weights, _ := cfg.Weights.Normalized()
	a := &Aggregator{
		cfg:     cfg,
		weights: weights,
		scorer:  scorer,
		clock:   clock.Real{},
		logger:  logging.NewNop(),
		open:    make(map[windowKey]*window),
		history: make(map[string]*tagHistory),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Add scores posts and places them into their tag windows. A scorer failure
// degrades the item to neutral sentiment instead of failing the batch.
func (a *Aggregator) Add(ctx context.Context, posts []domain.Post) (AddResult, error) {
	var res AddResult
	if len(posts) == 0 {
		return res, nil
	}

	sentiments, failures, err := a.scoreAll(ctx, posts)
	if err != nil {
		return res, err
	}
	now := a.clock.Now()
	for i, ferr := range failures {
		if ferr == nil {
			continue
		}
		a.logger.Warn("sentiment scoring failed, using neutral",
			logging.String("post_id", posts[i].ID), logging.Err(ferr))
		res.Degraded++
		res.Events = append(res.Events, domain.FailureEvent{
			Kind:    domain.EventAggregationDegraded,
			ItemID:  posts[i].ID,
			Message: fmt.Errorf("%w: %w", domain.ErrAggregationDegraded, ferr).Error(),
			At:      now,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range posts {
		start := p.CreatedAt.UTC().Truncate(a.cfg.Window)
		for _, tag := range p.AggregationTags() {
			h := a.tagHistory(tag)
			if h.emitted && !start.After(h.watermark) {
				res.Late++
				a.stats.Late++
				res.Events = append(res.Events, domain.FailureEvent{
					Kind:    domain.EventLateRecord,
					ItemID:  p.ID,
					Message: fmt.Sprintf("window %s@%s already emitted", tag, start.Format(time.RFC3339)),
					At:      now,
				})
				continue
			}

			key := windowKey{tag: tag, start: start}
			w, ok := a.open[key]
			if !ok {
				w = &window{key: key}
				a.open[key] = w
			}
			total := float64(p.Engagement.Total())
			w.items = append(w.items, item{
				postID:     p.ID,
				createdAt:  p.CreatedAt,
				sentiment:  sentiments[i],
				engagement: a.engagementRate(h, total),
				degraded:   failures[i] != nil,
			})
			h.totals = append(h.totals, total)
			if over := len(h.totals) - a.cfg.MedianHistory; over > 0 {
				h.totals = slices.Delete(h.totals, 0, over)
			}
			res.Accepted++
		}
		if failures[i] != nil {
			a.stats.Degraded++
		}
	}
	if res.Late > 0 {
		a.logger.Info("dropped late records", logging.Int("late", res.Late))
	}
	return res, nil
}

func (a *Aggregator) scoreAll(ctx context.Context, posts []domain.Post) ([]float64, []error, error) {
	sentiments := make([]float64, len(posts))
	failures := make([]error, len(posts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.ScoreWorkers)
	for i := range posts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := a.scorer.Score(gctx, posts[i].Text)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failures[i] = err
				return nil
			}
			if math.IsNaN(s) || math.IsInf(s, 0) {
				failures[i] = fmt.Errorf("scorer returned %v", s)
				return nil
			}
			sentiments[i] = clampUnit(s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sentiments, failures, nil
}

func (a *Aggregator) tagHistory(tag string) *tagHistory {
	h, ok := a.history[tag]
	if !ok {
		h = &tagHistory{counts: make(map[int64]int)}
		a.history[tag] = h
	}
	return h
}

// engagementRate is neutral until the tag has some history to compare against.
func (a *Aggregator) engagementRate(h *tagHistory, total float64) float64 {
	if len(h.totals) == 0 {
		return 0
	}
	median, err := stats.Median(h.totals)
	if err != nil {
		return 0
	}
	return engagementRate(int64(total), median)
}

// CloseExpired emits every window whose end is at or before now.
func (a *Aggregator) CloseExpired(ctx context.Context, now time.Time) ([]domain.SignalWindow, error) {
	return a.emit(ctx, func(k windowKey) bool {
		return !k.start.Add(a.cfg.Window).After(now)
	})
}

// Flush emits all open windows regardless of their end time.
func (a *Aggregator) Flush(ctx context.Context) ([]domain.SignalWindow, error) {
	return a.emit(ctx, func(windowKey) bool { return true })
}

func (a *Aggregator) emit(ctx context.Context, due func(windowKey) bool) ([]domain.SignalWindow, error) {
	a.mu.Lock()
	var ready []*window
	for k, w := range a.open {
		if due(k) {
			ready = append(ready, w)
			delete(a.open, k)
		}
	}
	// Earlier buckets first so their counts feed the baseline of later ones.
	slices.SortFunc(ready, func(x, y *window) int {
		if c := x.key.start.Compare(y.key.start); c != 0 {
			return c
		}
		return cmp.Compare(x.key.tag, y.key.tag)
	})
	emittedAt := a.clock.Now()
	out := make([]domain.SignalWindow, 0, len(ready))
	for _, w := range ready {
		sw, err := a.finalize(w, emittedAt)
		if err != nil {
			continue
		}
		out = append(out, sw)
	}
	a.stats.Emitted += len(out)
	a.mu.Unlock()

	if a.store == nil {
		return out, nil
	}
	var errs []error
	for _, sw := range out {
		if err := a.store.PersistWindow(ctx, sw); err != nil {
			errs = append(errs, fmt.Errorf("persist window %s: %w", sw.ID, err))
		}
	}
	return out, errors.Join(errs...)
}

// finalize must be called with a.mu held.
func (a *Aggregator) finalize(w *window, emittedAt time.Time) (domain.SignalWindow, error) {
	end := w.key.start.Add(a.cfg.Window)
	h := a.tagHistory(w.key.tag)
	momentum := 0.0
	if h.emitted {
		momentum = tagMomentum(len(w.items), h.baseline(w.key.start, a.cfg.Window, a.cfg.BaselineWindows))
	}

	id := domain.WindowID(w.key.tag, w.key.start)
	sw := domain.SignalWindow{
		ID:        id,
		Tag:       w.key.tag,
		Start:     w.key.start,
		End:       end,
		Count:     len(w.items),
		EmittedAt: emittedAt,
	}
	scores := make([]float64, len(w.items))
	for i, it := range w.items {
		s := Composite(a.weights, Components{
			Sentiment:      it.sentiment,
			EngagementRate: it.engagement,
			TagMomentum:    momentum,
			Temporal:       temporalFactor(it.createdAt, end, a.cfg.HalfLife),
		})
		scores[i] = s
		switch {
		case s > 0.1:
			sw.Bullish++
		case s < -0.1:
			sw.Bearish++
		default:
			sw.Neutral++
		}
		if it.degraded {
			sw.Degraded++
		}
		if len(sw.SampleIDs) < sampleIDLimit && !slices.Contains(sw.SampleIDs, it.postID) {
			sw.SampleIDs = append(sw.SampleIDs, it.postID)
		}
	}

	mean, low, high, err := bootstrapInterval(scores, a.cfg.BootstrapSamples, windowRNG(a.cfg.Seed, id))
	if err != nil {
		return domain.SignalWindow{}, err
	}
	sw.Score, sw.Low, sw.High = mean, low, high

	h.record(w.key.start, len(w.items), a.cfg.Window, a.cfg.BaselineWindows)
	return sw, nil
}

// baseline averages counts over the n buckets preceding start; missing buckets count as zero.
func (h *tagHistory) baseline(start time.Time, size time.Duration, n int) float64 {
	var sum int
	for i := 1; i <= n; i++ {
		sum += h.counts[start.Add(-time.Duration(i)*size).Unix()]
	}
	return float64(sum) / float64(n)
}

func (h *tagHistory) record(start time.Time, count int, size time.Duration, keep int) {
	h.counts[start.Unix()] = count
	if !h.emitted || start.After(h.watermark) {
		h.watermark = start
	}
	h.emitted = true
	cutoff := h.watermark.Add(-time.Duration(keep) * size).Unix()
	for k := range h.counts {
		if k < cutoff {
			delete(h.counts, k)
		}
	}
}

// Score computes the composite for a single post against current tag state
// without adding it to any window.
func (a *Aggregator) Score(ctx context.Context, p domain.Post) ([]ItemScore, error) {
	sentiments, failures, err := a.scoreAll(ctx, []domain.Post{p})
	if err != nil {
		return nil, err
	}
	start := p.CreatedAt.UTC().Truncate(a.cfg.Window)
	end := start.Add(a.cfg.Window)

	a.mu.Lock()
	defer a.mu.Unlock()
	tags := p.AggregationTags()
	out := make([]ItemScore, 0, len(tags))
	for _, tag := range tags {
		h := a.tagHistory(tag)
		current := 1
		if w, ok := a.open[windowKey{tag: tag, start: start}]; ok {
			current += len(w.items)
		}
		momentum := 0.0
		if h.emitted {
			momentum = tagMomentum(current, h.baseline(start, a.cfg.Window, a.cfg.BaselineWindows))
		}
		c := Components{
			Sentiment:      sentiments[0],
			EngagementRate: a.engagementRate(h, float64(p.Engagement.Total())),
			TagMomentum:    momentum,
			Temporal:       temporalFactor(p.CreatedAt, end, a.cfg.HalfLife),
		}
		out = append(out, ItemScore{
			PostID:     p.ID,
			Tag:        tag,
			Components: c,
			Score:      Composite(a.weights, c),
			Degraded:   failures[0] != nil,
		})
	}
	return out, nil
}

// Stats returns a snapshot of the counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.OpenWindows = len(a.open)
	return s
}
