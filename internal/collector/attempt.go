package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/ratelimit"
)

var (
	errDeadline     = errors.New("collection deadline reached")
	errCircuitStuck = errors.New("circuit stayed open beyond max wait")
)

type step int

const (
	stepAttempt step = iota
	stepWait
	stepRetry
	stepGiveUp
)

// outcome of one gated operation. fatal stops the whole run; event skips the item.
type outcome struct {
	attempts int
	event    *domain.FailureEvent
	fatal    error
}

// attempt drives one upstream operation through Attempt -> Wait -> Retry -> GiveUp.
// Gate denials never count as attempts.
func attempt[T any](ctx context.Context, c *Collector, deadline time.Time, itemID string, op func(context.Context) (T, error)) (T, outcome) {
	var (
		zero        T
		out         outcome
		decision    ratelimit.Decision
		lastErr     error
		rateWait    time.Duration
		circuitWait time.Duration
		state       = stepAttempt
	)

	for {
		if err := ctx.Err(); err != nil {
			out.fatal = err
			return zero, out
		}
		if !deadline.IsZero() && !c.clock.Now().Before(deadline) {
			out.fatal = errDeadline
			return zero, out
		}

		switch state {
		case stepAttempt:
			decision = c.gate.Admit()
			if !decision.Allowed {
				c.recorder.GateDenied(string(decision.Reason))
				state = stepWait
				continue
			}
			rateWait, circuitWait = 0, 0
			out.attempts++

			val, err := op(ctx)
			switch {
			case err == nil:
				c.gate.ReportOutcome(decision.Ticket, true)
				c.recorder.FetchAttempt("success")
				return val, out
			case ctx.Err() != nil:
				c.gate.Release(decision.Ticket)
				out.fatal = ctx.Err()
				return zero, out
			case domain.IsTransient(err):
				c.gate.ReportOutcome(decision.Ticket, false)
				c.recorder.FetchAttempt("transient")
				lastErr = err
				state = stepRetry
				if out.attempts >= c.cfg.MaxAttempts {
					state = stepGiveUp
				}
			default:
				// The upstream answered, so the gate sees a healthy service.
				c.gate.ReportOutcome(decision.Ticket, true)
				c.recorder.FetchAttempt("permanent")
				out.event = c.event(domain.EventFetchPermanent, itemID, out.attempts, err)
				return zero, out
			}

		case stepWait:
			circuit := decision.Reason == ratelimit.ReasonCircuitOpen || decision.Reason == ratelimit.ReasonHalfOpenBusy
			if circuit {
				circuitWait += decision.RetryAfter
				if circuitWait > c.cfg.MaxWait {
					out.fatal = fmt.Errorf("%w: %w", errCircuitStuck, decision.Err())
					return zero, out
				}
			} else {
				rateWait += decision.RetryAfter
				if rateWait > c.cfg.MaxWait {
					out.event = c.event(domain.EventWaitAbandoned, itemID, out.attempts, decision.Err())
					return zero, out
				}
			}
			if err := c.sleep(ctx, deadline, decision.RetryAfter); err != nil {
				out.fatal = err
				return zero, out
			}
			state = stepAttempt

		case stepRetry:
			delay := c.retryDelay(out.attempts)
			c.logger.Debug("retrying after transient failure",
				logging.String("item", itemID),
				logging.Int("attempt", out.attempts),
				logging.Duration("delay", delay),
				logging.Err(lastErr),
			)
			if err := c.sleep(ctx, deadline, delay); err != nil {
				out.fatal = err
				return zero, out
			}
			state = stepAttempt

		case stepGiveUp:
			out.event = c.event(domain.EventFetchSkipped, itemID, out.attempts, lastErr)
			return zero, out
		}
	}
}

// retryDelay is initial*factor^(n-1) capped at max, with +-jitter.
func (c *Collector) retryDelay(attempts int) time.Duration {
	b := c.cfg.Backoff
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempts-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*c.rand()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (c *Collector) sleep(ctx context.Context, deadline time.Time, d time.Duration) error {
	if !deadline.IsZero() {
		if left := deadline.Sub(c.clock.Now()); left < d {
			d = left
		}
	}
	if err := c.clock.Sleep(ctx, d); err != nil {
		return err
	}
	return nil
}

func (c *Collector) event(kind domain.EventKind, itemID string, attempts int, err error) *domain.FailureEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.recorder.ItemSkipped(string(kind))
	return &domain.FailureEvent{
		Kind:     kind,
		ItemID:   itemID,
		Attempts: attempts,
		Message:  msg,
		At:       c.clock.Now(),
	}
}
