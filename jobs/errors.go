package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors for data-plane lookups and state transitions.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrIllegalTransition = errors.New("illegal job state transition")
	ErrBackupExpired     = errors.New("retry backup expired")
	ErrRetryNotPermitted = errors.New("retry not permitted in current state")
)

// FailureKind classifies a job failure and determines the retry policy.
// The wire values appear in attestation records and job error fields.
type FailureKind string

const (
	FailResourceExhaustion FailureKind = "resource_exhaustion"
	FailRateLimit          FailureKind = "rate_limit"
	FailTransientNetwork   FailureKind = "transient_network"
	FailSafetyRefusal      FailureKind = "safety_refusal"
	FailMalformedJob       FailureKind = "malformed_job"
	FailWorkerCrash        FailureKind = "worker_crash"
	FailCancelled          FailureKind = "cancelled"
	FailUnknown            FailureKind = "unknown"
)

// Retryable reports whether the retry strategy may return a job with this
// failure kind to the pending index. Safety refusals, malformed jobs and
// cancellations are terminal regardless of the retry budget.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailSafetyRefusal, FailMalformedJob, FailCancelled:
		return false
	}
	return true
}

// ClassifiedError is a job failure carrying its kind. Connectors return it
// directly when they can classify the fault themselves; everything else is
// classified by Classify.
type ClassifiedError struct {
	Kind FailureKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError wraps err with an explicit failure kind.
func NewClassifiedError(kind FailureKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify maps an execution error to a FailureKind. An explicit
// ClassifiedError wins; otherwise the error chain and message are probed
// for the well-known fault families.
func Classify(err error) FailureKind {
	if err == nil {
		return FailUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return FailCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailTransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "out of memory"),
		strings.Contains(msg, "oom"),
		strings.Contains(msg, "cuda"),
		strings.Contains(msg, "no space left"):
		return FailResourceExhaustion
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return FailRateLimit
	case strings.Contains(msg, "content policy"),
		strings.Contains(msg, "safety"),
		strings.Contains(msg, "refused"):
		return FailSafetyRefusal
	case strings.Contains(msg, "invalid payload"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "unmarshal"),
		strings.Contains(msg, "validation"):
		return FailMalformedJob
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "eof"):
		return FailTransientNetwork
	}
	return FailUnknown
}
