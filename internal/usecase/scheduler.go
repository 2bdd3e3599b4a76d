package usecase

import (
	"context"
	"errors"
	"time"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/ports"
)

// Scheduler wires the cron-like driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	queries  []domain.Query
	logger   logging.Logger
}

// NewScheduler returns a helper to start/stop recurring runs of queries.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, queries []domain.Query, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, queries: queries, logger: log}
}

// Start registers the pipeline with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) { s.Tick(ctx, trigger) })
}

// Tick runs every query once, then closes windows that expired meanwhile.
// Failures are logged; the next tick runs regardless.
func (s *Scheduler) Tick(ctx context.Context, trigger time.Time) {
	s.logger.Info("Scheduled tick", logging.Time("trigger", trigger), logging.Int("queries", len(s.queries)))
	for _, q := range s.queries {
		if ctx.Err() != nil {
			return
		}
		report, err := s.pipeline.Run(ctx, q)
		switch {
		case errors.Is(err, domain.ErrRunDegraded):
			s.logger.Warn("Scheduled run degraded", logging.String("run_id", report.RunID), logging.Err(err))
		case err != nil:
			s.logger.Error("Scheduled run failed", logging.String("run_id", report.RunID), logging.Err(err))
		}
	}
	if _, err := s.pipeline.CloseExpired(ctx); err != nil {
		s.logger.Warn("Closing expired windows failed", logging.Err(err))
	}
}

// Stop tears down the driver and emits whatever windows are still open.
func (s *Scheduler) Stop(ctx context.Context) error {
	var errs []error
	if s.driver != nil {
		errs = append(errs, s.driver.Stop(ctx))
	}
	if s.pipeline != nil {
		if _, err := s.pipeline.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
