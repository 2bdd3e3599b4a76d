package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTransientFetch      = errors.New("transient fetch failure")
	ErrPermanentFetch      = errors.New("permanent fetch failure")
	ErrEndOfStream         = errors.New("end of stream")
	ErrValidationRejected  = errors.New("validation rejected")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrAggregationDegraded = errors.New("aggregation degraded")
	ErrRunDegraded         = errors.New("run degraded")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

// FetchError classifies a source failure as retryable or not.
type FetchError struct {
	Transient bool
	Op        string
	ItemID    string
	Err       error
}

// TransientError wraps err as a retryable fetch failure.
func TransientError(op, itemID string, err error) error {
	return &FetchError{Transient: true, Op: op, ItemID: itemID, Err: err}
}

// PermanentError wraps err as a non-retryable fetch failure.
func PermanentError(op, itemID string, err error) error {
	return &FetchError{Op: op, ItemID: itemID, Err: err}
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.ItemID != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.ItemID, kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Transient {
		return []error{ErrTransientFetch, e.Err}
	}
	return []error{ErrPermanentFetch, e.Err}
}

// IsTransient reports whether err should be retried. Unclassified errors are permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch)
}

// RejectReason names why a raw post was discarded.
type RejectReason string

const (
	RejectMissingField       RejectReason = "missing_field"
	RejectInvalidFormat      RejectReason = "invalid_format"
	RejectTextLength         RejectReason = "text_length"
	RejectForbiddenPattern   RejectReason = "forbidden_pattern"
	RejectStale              RejectReason = "stale"
	RejectFuture             RejectReason = "future_timestamp"
	RejectNegativeEngagement RejectReason = "negative_engagement"
	RejectEngagementRange    RejectReason = "engagement_out_of_range"
	RejectTooManyTags        RejectReason = "too_many_tags"
	RejectLowQuality         RejectReason = "low_quality"
)

// RejectedError is returned by validation for a discarded post.
type RejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rejected: %s", e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ErrValidationRejected }

// Reject builds a RejectedError.
func Reject(reason RejectReason, format string, args ...any) error {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
