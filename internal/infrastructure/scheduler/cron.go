package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"MarketSignals/internal/ports"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronScheduler runs a job on a cron expression. Overlapping ticks are skipped.
type CronScheduler struct {
	spec       string
	loc        *time.Location
	logger     *log.Logger
	runOnStart bool

	mu   sync.Mutex
	cron *cron.Cron
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// Option customizes a CronScheduler.
type Option func(*CronScheduler)

// WithRunOnStart fires the job once right after Start.
func WithRunOnStart() Option { return func(c *CronScheduler) { c.runOnStart = true } }

// WithLogger routes cron's own messages (panics, skipped ticks) to l.
func WithLogger(l *log.Logger) Option { return func(c *CronScheduler) { c.logger = l } }

// NewCronScheduler builds a scheduler for a standard 5-field expression or a descriptor such as "@every 1m".
func NewCronScheduler(spec string, loc *time.Location, opts ...Option) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	c := &CronScheduler{spec: spec, loc: loc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateSpec reports whether spec can be scheduled.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Next returns the first activation after t.
func (c *CronScheduler) Next(t time.Time) (time.Time, error) {
	sched, err := parser.Parse(c.spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", c.spec, err)
	}
	return sched.Next(t.In(c.loc)), nil
}

// Start registers job and begins ticking. The job stops firing once ctx is done.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return errors.New("scheduler job is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return errors.New("scheduler already started")
	}

	var cronLogger cron.Logger = cron.DiscardLogger
	if c.logger != nil {
		cronLogger = cron.PrintfLogger(c.logger)
	}
	cr := cron.New(
		cron.WithLocation(c.loc),
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	entryID, err := cr.AddFunc(c.spec, func() {
		if ctx.Err() != nil {
			return
		}
		job(time.Now().In(c.loc))
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", c.spec, err)
	}

	cr.Start()
	c.cron = cr
	if c.runOnStart {
		go cr.Entry(entryID).WrappedJob.Run()
	}

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop halts ticking and waits for a running job until ctx expires.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return nil
	}

	select {
	case <-cr.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}
