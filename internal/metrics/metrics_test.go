package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ratelimit"
)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	m := NewPipeline(prometheus.NewRegistry())
	m.FetchAttempt("success")
	m.FetchAttempt("success")
	m.FetchAttempt("transient")
	m.GateDenied("rate_limited")
	m.ItemSkipped(string(domain.EventFetchSkipped))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchAttemptsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchAttemptsTotal.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDeniedTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsSkippedTotal.WithLabelValues("fetch_skipped")))
}

func TestGateStateChanged(t *testing.T) {
	t.Parallel()

	m := NewPipeline(prometheus.NewRegistry())
	m.GateStateChanged(ratelimit.StateClosed, ratelimit.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateState))
	m.GateStateChanged(ratelimit.StateOpen, ratelimit.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateState))
	m.GateStateChanged(ratelimit.StateHalfOpen, ratelimit.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GateState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateTransitionsTotal.WithLabelValues("open")))
}

func TestObserveRun(t *testing.T) {
	t.Parallel()

	m := NewPipeline(prometheus.NewRegistry())
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	report := &domain.RunReport{
		Collected:        10,
		Rejected:         2,
		RejectedByReason: map[domain.RejectReason]int{domain.RejectStale: 2},
		DeduplicatedOut:  3,
		Emitted:          1,
		Events:           []domain.FailureEvent{{Kind: domain.EventFetchSkipped}},
		Windows:          []domain.SignalWindow{{Tag: "nifty50", Score: 0.25}},
		StartedAt:        start,
		FinishedAt:       start.Add(3 * time.Second),
	}
	m.ObserveRun(report, nil)
	m.ObserveRun(report, fmt.Errorf("persist: %w", domain.ErrRunDegraded))
	m.ObserveRun(report, errors.New("boom"))
	m.ObserveRun(nil, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("collected")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.RejectedTotal.WithLabelValues("stale")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("fetch_skipped")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.WindowScore.WithLabelValues("nifty50")))
}
