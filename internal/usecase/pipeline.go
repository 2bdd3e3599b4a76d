package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/collector"
	"MarketSignals/internal/dedupe"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/signal"
	"MarketSignals/internal/validator"
)

// finishTimeout bounds the work done on a partial batch after the caller's context ended.
const finishTimeout = 30 * time.Second

// RunObserver is told about every finished run; metrics.Pipeline implements it.
type RunObserver interface {
	ObserveRun(report *domain.RunReport, err error)
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Source     ports.PostSource
	Collector  *collector.Collector
	Validator  *validator.Validator
	Dedupe     *dedupe.Deduplicator
	Aggregator *signal.Aggregator
	Store      ports.SignalStore
	Index      ports.PostIndex
	Notifier   ports.Notifier
	// Digest renders emitted windows for the notifier; an empty result skips publishing.
	Digest   func([]domain.SignalWindow) string
	Observer RunObserver
	// FlushOnFinish emits still-open windows at the end of every run.
	FlushOnFinish bool
	Clock         clock.Clock
	Logger        logging.Logger
}

// Pipeline implements the collect → validate → dedupe → aggregate workflow.
// Runs are serialized; a second caller waits for the first to finish.
type Pipeline struct {
	source     ports.PostSource
	collector  *collector.Collector
	validator  *validator.Validator
	dedupe     *dedupe.Deduplicator
	aggregator *signal.Aggregator
	store      ports.SignalStore
	index      ports.PostIndex
	notifier   ports.Notifier
	digest     func([]domain.SignalWindow) string
	observer   RunObserver
	flush      bool
	clock      clock.Clock
	logger     logging.Logger

	runMu sync.Mutex
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	var missing []string
	if deps.Source == nil {
		missing = append(missing, "source")
	}
	if deps.Collector == nil {
		missing = append(missing, "collector")
	}
	if deps.Validator == nil {
		missing = append(missing, "validator")
	}
	if deps.Dedupe == nil {
		missing = append(missing, "dedupe")
	}
	if deps.Aggregator == nil {
		missing = append(missing, "aggregator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: pipeline missing %s", domain.ErrInvalidConfig, strings.Join(missing, ", "))
	}

	p := &Pipeline{
		source:     deps.Source,
		collector:  deps.Collector,
		validator:  deps.Validator,
		dedupe:     deps.Dedupe,
		aggregator: deps.Aggregator,
		store:      deps.Store,
		index:      deps.Index,
		notifier:   deps.Notifier,
		digest:     deps.Digest,
		observer:   deps.Observer,
		flush:      deps.FlushOnFinish,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	return p, nil
}

// Run executes one pass for q. The report is never nil. The error wraps
// domain.ErrRunDegraded when only storage or notification failed, and is a
// hard failure when collection aborted or the batch could not be processed.
func (p *Pipeline) Run(ctx context.Context, q domain.Query) (report *domain.RunReport, err error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	report = &domain.RunReport{
		RunID:            uuid.NewString(),
		Query:            q,
		RejectedByReason: map[domain.RejectReason]int{},
		StartedAt:        p.clock.Now(),
	}
	log := p.logger.With(logging.String("run_id", report.RunID), logging.String("query", q.Term))
	defer func() {
		report.FinishedAt = p.clock.Now()
		if p.observer != nil {
			p.observer.ObserveRun(report, err)
		}
	}()

	log.Info("Run started", logging.String("source", p.source.Name()))
	p.validator.Reset()

	posts, collectErr := p.collect(ctx, q, report)
	if collectErr != nil {
		log.Error("Collection aborted", logging.Err(collectErr), logging.Int("collected", report.Collected))
	}

	// Posts already collected are still processed when the caller's context ended.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		log.Warn("Context ended during collection, finishing partial batch", logging.Int("posts", len(posts)))
	}

	deduped, err := p.dedupe.Dedupe(ctx, posts)
	if err != nil {
		return report, errors.Join(collectErr, fmt.Errorf("dedupe: %w", err))
	}
	report.DeduplicatedOut = deduped.Removed
	report.Groups = deduped.Groups
	p.logQuality(log, deduped.Removed)
	fresh := p.skipKnown(ctx, deduped.Posts, report, log)

	if p.store != nil && len(fresh) > 0 {
		if sErr := p.store.PersistPosts(ctx, fresh); sErr != nil {
			p.degrade(report, domain.EventStorageFailed, fmt.Sprintf("persist posts: %v", sErr))
			log.Warn("Persisting posts failed", logging.Err(sErr))
		}
	}

	added, err := p.aggregator.Add(ctx, fresh)
	if err != nil {
		return report, errors.Join(collectErr, fmt.Errorf("aggregate: %w", err))
	}
	report.Late = added.Late
	report.Record(added.Events...)
	if added.Degraded > 0 {
		report.Warn(fmt.Sprintf("%d posts scored with neutral sentiment", added.Degraded))
	}

	windows := p.emit(ctx, report, log)
	report.Windows = windows
	report.Emitted = len(windows)
	if nErr := p.notify(ctx, windows); nErr != nil {
		p.degrade(report, domain.EventNotifyFailed, nErr.Error())
		log.Warn("Publishing digest failed", logging.Err(nErr))
	}

	log.Info("Run finished",
		logging.Int("collected", report.Collected),
		logging.Int("rejected", report.Rejected),
		logging.Int("deduplicated_out", report.DeduplicatedOut),
		logging.Int("emitted", report.Emitted),
		logging.Int("late", report.Late),
		logging.Int("events", len(report.Events)),
	)

	switch {
	case collectErr != nil:
		return report, collectErr
	case report.CountEvents(domain.EventStorageFailed)+report.CountEvents(domain.EventNotifyFailed) > 0:
		return report, fmt.Errorf("%w: %s", domain.ErrRunDegraded, strings.Join(report.Warnings, "; "))
	}
	return report, nil
}

// collect drains the lazy collection run and validates posts as they arrive.
func (p *Pipeline) collect(ctx context.Context, q domain.Query, report *domain.RunReport) ([]domain.Post, error) {
	run := p.collector.Collect(ctx, p.source, q)
	var posts []domain.Post
	for raw := range run.All() {
		report.Collected++
		post, err := p.validator.Validate(raw)
		if err != nil {
			report.Rejected++
			var rejected *domain.RejectedError
			if errors.As(err, &rejected) {
				report.RejectedByReason[rejected.Reason]++
			}
			continue
		}
		posts = append(posts, post)
	}
	report.Record(run.Events()...)
	if n := report.CountEvents(domain.EventDeadlineReached); n > 0 {
		report.Warn("run deadline reached before the source was exhausted")
	}
	return posts, run.Err()
}

// skipKnown drops posts an earlier run already persisted. Index failures only warn.
func (p *Pipeline) skipKnown(ctx context.Context, posts []domain.Post, report *domain.RunReport, log logging.Logger) []domain.Post {
	if p.index == nil || len(posts) == 0 {
		return posts
	}
	ids := make([]string, len(posts))
	for i, post := range posts {
		ids[i] = post.ID
	}
	known, err := p.index.KnownPostIDs(ctx, ids)
	if err != nil {
		p.degrade(report, domain.EventStorageFailed, fmt.Sprintf("load known posts: %v", err))
		log.Warn("Known post lookup failed", logging.Err(err))
		return posts
	}
	if len(known) == 0 {
		return posts
	}
	fresh := make([]domain.Post, 0, len(posts))
	for _, post := range posts {
		if !known[post.ID] {
			fresh = append(fresh, post)
		}
	}
	skipped := len(posts) - len(fresh)
	report.DeduplicatedOut += skipped
	log.Info("Skipped posts seen by earlier runs", logging.Int("skipped", skipped))
	return fresh
}

func (p *Pipeline) emit(ctx context.Context, report *domain.RunReport, log logging.Logger) []domain.SignalWindow {
	windows, err := p.aggregator.CloseExpired(ctx, p.clock.Now())
	if err != nil {
		p.degrade(report, domain.EventStorageFailed, fmt.Sprintf("persist windows: %v", err))
		log.Warn("Persisting closed windows failed", logging.Err(err))
	}
	if !p.flush {
		return windows
	}
	flushed, err := p.aggregator.Flush(ctx)
	if err != nil {
		p.degrade(report, domain.EventStorageFailed, fmt.Sprintf("persist flushed windows: %v", err))
		log.Warn("Persisting flushed windows failed", logging.Err(err))
	}
	return append(windows, flushed...)
}

func (p *Pipeline) notify(ctx context.Context, windows []domain.SignalWindow) error {
	if p.notifier == nil || p.digest == nil || len(windows) == 0 {
		return nil
	}
	message := p.digest(windows)
	if message == "" {
		return nil
	}
	if err := p.notifier.PublishDigest(ctx, message); err != nil {
		return fmt.Errorf("publish digest: %w", err)
	}
	return nil
}

// CloseExpired emits windows whose end has passed without collecting anything.
func (p *Pipeline) CloseExpired(ctx context.Context) ([]domain.SignalWindow, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	windows, err := p.aggregator.CloseExpired(ctx, p.clock.Now())
	p.publish(ctx, windows, "close_expired")
	return windows, err
}

// Flush emits every open window, typically on shutdown.
func (p *Pipeline) Flush(ctx context.Context) ([]domain.SignalWindow, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	windows, err := p.aggregator.Flush(ctx)
	p.publish(ctx, windows, "flush")
	return windows, err
}

// publish hands windows emitted outside a run to the observer and the notifier.
// A notification failure is logged only; the windows are already persisted.
func (p *Pipeline) publish(ctx context.Context, windows []domain.SignalWindow, trigger string) {
	if len(windows) == 0 {
		return
	}
	if o, ok := p.observer.(interface{ ObserveWindows([]domain.SignalWindow) }); ok {
		o.ObserveWindows(windows)
	}
	if err := p.notify(ctx, windows); err != nil {
		p.logger.Warn("Publishing digest failed",
			logging.String("trigger", trigger),
			logging.Int("windows", len(windows)),
			logging.Err(err),
		)
	}
}

func (p *Pipeline) logQuality(log logging.Logger, duplicates int) {
	q := p.validator.Report(duplicates)
	if q.Total == 0 {
		return
	}
	log.Info("Batch quality",
		logging.Float64("validity_rate", q.ValidityRate),
		logging.Float64("duplicate_rate", q.DuplicateRate),
		logging.Float64("mean_quality", q.MeanQuality),
		logging.Strings("recommendations", q.Recommendations),
	)
}

func (p *Pipeline) degrade(report *domain.RunReport, kind domain.EventKind, msg string) {
	report.Warn(msg)
	report.Record(domain.FailureEvent{Kind: kind, Message: msg, At: p.clock.Now()})
}
