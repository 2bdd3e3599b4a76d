package domain

import "time"

// EventKind enumerates structured failure events recorded during a run.
type EventKind string

const (
	EventFetchSkipped        EventKind = "fetch_skipped"
	EventFetchPermanent      EventKind = "fetch_permanent"
	EventWaitAbandoned       EventKind = "wait_abandoned"
	EventDiscoverFailed      EventKind = "discover_failed"
	EventDeadlineReached     EventKind = "deadline_reached"
	EventCircuitOpen         EventKind = "circuit_open"
	EventAggregationDegraded EventKind = "aggregation_degraded"
	EventLateRecord          EventKind = "late_record"
	EventStorageFailed       EventKind = "storage_failed"
	EventNotifyFailed        EventKind = "notify_failed"
)

// FailureEvent is one auditable problem that did not abort the run.
type FailureEvent struct {
	Kind     EventKind `json:"kind"`
	ItemID   string    `json:"itemId,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// RunReport summarizes one pipeline run. It is returned even when the run fails.
type RunReport struct {
	RunID            string               `json:"runId"`
	Query            Query                `json:"query"`
	Collected        int                  `json:"collected"`
	Rejected         int                  `json:"rejected"`
	RejectedByReason map[RejectReason]int `json:"rejectedByReason"`
	DeduplicatedOut  int                  `json:"deduplicatedOut"`
	Emitted          int                  `json:"emitted"`
	Late             int                  `json:"late"`
	Warnings         []string             `json:"warnings,omitempty"`
	Events           []FailureEvent       `json:"events,omitempty"`
	Windows          []SignalWindow       `json:"windows,omitempty"`
	Groups           []DuplicateGroup     `json:"groups,omitempty"`
	StartedAt        time.Time            `json:"startedAt"`
	FinishedAt       time.Time            `json:"finishedAt"`
}

// Warn appends a run-level warning.
func (r *RunReport) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Record appends failure events.
func (r *RunReport) Record(events ...FailureEvent) {
	r.Events = append(r.Events, events...)
}

// CountEvents returns how many events of kind were recorded.
func (r *RunReport) CountEvents(kind EventKind) int {
	n := 0
	for _, e := range r.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
