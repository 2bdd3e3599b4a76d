// Package metrics exposes Prometheus instruments for the signal pipeline.
package metrics

import (
	"errors"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ratelimit"
)

const (
	// Namespace is the namespace for all pipeline metrics.
	Namespace = "marketsignals"
)

// Pipeline holds all Prometheus metrics for collection runs.
type Pipeline struct {
	// Collection
	FetchAttemptsTotal *prometheus.CounterVec
	GateDeniedTotal    *prometheus.CounterVec
	ItemsSkippedTotal  *prometheus.CounterVec

	// Gate
	GateState            prometheus.Gauge
	GateTransitionsTotal *prometheus.CounterVec

	// Runs
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds prometheus.Histogram
	RecordsTotal       *prometheus.CounterVec
	RejectedTotal      *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec

	// Signals
	WindowScore *prometheus.GaugeVec
}

// NewPipeline creates and registers all pipeline metrics on reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Pipeline{}
	m.initCollectionMetrics(factory)
	m.initRunMetrics(factory)
	return m
}

func (m *Pipeline) initCollectionMetrics(factory promauto.Factory) {
	m.FetchAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "collector",
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by outcome",
		},
		[]string{"result"},
	)

	m.GateDeniedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "collector",
			Name:      "gate_denied_total",
			Help:      "Admission denials by reason",
		},
		[]string{"reason"},
	)

	m.ItemsSkippedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "collector",
			Name:      "items_skipped_total",
			Help:      "Items dropped during collection by event kind",
		},
		[]string{"kind"},
	)

	m.GateState = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "gate",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	m.GateTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "gate",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions by target state",
		},
		[]string{"to"},
	)
}

func (m *Pipeline) initRunMetrics(factory promauto.Factory) {
	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by status",
		},
		[]string{"status"},
	)

	m.RunDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a pipeline run",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
	)

	m.RecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Records per pipeline stage",
		},
		[]string{"stage"},
	)

	m.RejectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "validator",
			Name:      "rejected_total",
			Help:      "Rejected posts by reason",
		},
		[]string{"reason"},
	)

	m.EventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "failure_events_total",
			Help:      "Failure events recorded in run reports by kind",
		},
		[]string{"kind"},
	)

	m.WindowScore = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "signal",
			Name:      "window_score",
			Help:      "Score of the most recently emitted window per tag",
		},
		[]string{"tag"},
	)
}

// FetchAttempt implements collector.Recorder.
func (m *Pipeline) FetchAttempt(result string) { m.FetchAttemptsTotal.WithLabelValues(result).Inc() }

// GateDenied implements collector.Recorder.
func (m *Pipeline) GateDenied(reason string) { m.GateDeniedTotal.WithLabelValues(reason).Inc() }

// ItemSkipped implements collector.Recorder.
func (m *Pipeline) ItemSkipped(kind string) { m.ItemsSkippedTotal.WithLabelValues(kind).Inc() }

// GateStateChanged matches ratelimit.Config.OnStateChange.
func (m *Pipeline) GateStateChanged(_, to ratelimit.State) {
	m.GateState.Set(stateValue(to))
	m.GateTransitionsTotal.WithLabelValues(to.String()).Inc()
}

func stateValue(s ratelimit.State) float64 {
	switch s {
	case ratelimit.StateOpen:
		return 1
	case ratelimit.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// ObserveRun folds a finished run report into the counters.
func (m *Pipeline) ObserveRun(report *domain.RunReport, err error) {
	if report == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil && len(report.Warnings) > 0:
		status = "degraded"
	case errors.Is(err, domain.ErrRunDegraded):
		status = "degraded"
	case err != nil:
		status = "failed"
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	if !report.FinishedAt.IsZero() && !report.StartedAt.IsZero() {
		m.RunDurationSeconds.Observe(math.Max(0, report.FinishedAt.Sub(report.StartedAt).Seconds()))
	}

	m.RecordsTotal.WithLabelValues("collected").Add(float64(report.Collected))
	m.RecordsTotal.WithLabelValues("rejected").Add(float64(report.Rejected))
	m.RecordsTotal.WithLabelValues("deduplicated_out").Add(float64(report.DeduplicatedOut))
	m.RecordsTotal.WithLabelValues("emitted").Add(float64(report.Emitted))
	m.RecordsTotal.WithLabelValues("late").Add(float64(report.Late))
	for reason, n := range report.RejectedByReason {
		m.RejectedTotal.WithLabelValues(string(reason)).Add(float64(n))
	}
	for _, ev := range report.Events {
		m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	m.ObserveWindows(report.Windows)
}

// ObserveWindows records the latest score per tag.
func (m *Pipeline) ObserveWindows(windows []domain.SignalWindow) {
	for _, w := range windows {
		m.WindowScore.WithLabelValues(w.Tag).Set(w.Score)
	}
}
