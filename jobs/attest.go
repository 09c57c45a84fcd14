package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// AttestationType discriminates the audit record kinds.
type AttestationType string

const (
	AttestFailureRetry     AttestationType = "failure_retry"
	AttestFailurePermanent AttestationType = "failure_permanent"
	AttestCompletion       AttestationType = "completion"
	AttestWorkflowFailure  AttestationType = "workflow_failure"
)

// DefaultAttestationTTL is how long attestation records are retained before
// Redis expires them. One week covers the forensic investigation window.
const DefaultAttestationTTL = 7 * 24 * time.Hour

// Attestation is an immutable audit record written on terminal transitions
// and retries. Records are append-only: the core never rewrites or deletes
// one, it can only expire.
type Attestation struct {
	AttestationType AttestationType `json:"attestation_type"`
	JobID           string          `json:"job_id"`
	WorkerID        string          `json:"worker_id,omitempty"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	Error           string          `json:"error,omitempty"`
	FailureKind     FailureKind     `json:"failure_kind,omitempty"`
	RetryCount      int             `json:"retry_count"`
	WillRetry       bool            `json:"will_retry"`
	WorkflowImpact  string          `json:"workflow_impact,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ProcessingMS    int64           `json:"processing_ms,omitempty"`
}

// Attestor writes attestation records into the data plane. TTL zero means
// DefaultAttestationTTL.
type Attestor struct {
	store *Store
	ttl   time.Duration
}

// NewAttestor creates an Attestor over the given store.
func NewAttestor(store *Store, ttl time.Duration) *Attestor {
	if ttl == 0 {
		ttl = DefaultAttestationTTL
	}
	return &Attestor{store: store, ttl: ttl}
}

// write persists one record under the given key. SETNX keeps records
// append-only: a key observed once never changes, even if a buggy caller
// retries the write with different content.
func (a *Attestor) write(ctx context.Context, key string, att *Attestation) error {
	if att.Timestamp == 0 {
		att.Timestamp = NowMillis()
	}
	b, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return a.store.Redis.SetNX(ctx, key, string(b), a.ttl).Err()
}

// RecordRetry writes the per-attempt failure attestation for a job that
// will be returned to the pending index.
func (a *Attestor) RecordRetry(ctx context.Context, j *Job, kind FailureKind, errMsg string) error {
	wf := j.WorkflowScope()
	att := &Attestation{
		AttestationType: AttestFailureRetry,
		JobID:           j.ID,
		WorkerID:        j.WorkerID,
		WorkflowID:      j.WorkflowID,
		Error:           errMsg,
		FailureKind:     kind,
		RetryCount:      j.RetryCount,
		WillRetry:       true,
		WorkflowImpact:  "step_delayed",
	}
	if err := a.write(ctx, JobFailureAttestKey(wf, j.ID, j.RetryCount), att); err != nil {
		return err
	}
	if j.WorkflowID == "" {
		return nil
	}
	wfAtt := *att
	wfAtt.AttestationType = AttestWorkflowFailure
	return a.write(ctx, WorkflowFailureAttestKey(wf, j.RetryCount), &wfAtt)
}

// RecordPermanentFailure writes both the per-attempt record for the final
// attempt and the permanent failure record.
func (a *Attestor) RecordPermanentFailure(ctx context.Context, j *Job, kind FailureKind, errMsg string) error {
	wf := j.WorkflowScope()
	att := &Attestation{
		AttestationType: AttestFailurePermanent,
		JobID:           j.ID,
		WorkerID:        j.WorkerID,
		WorkflowID:      j.WorkflowID,
		Error:           errMsg,
		FailureKind:     kind,
		RetryCount:      j.RetryCount,
		WillRetry:       false,
		WorkflowImpact:  "workflow_failed",
	}
	if err := a.write(ctx, JobFailureAttestKey(wf, j.ID, j.RetryCount), att); err != nil {
		return err
	}
	if err := a.write(ctx, JobPermanentFailureAttestKey(wf, j.ID), att); err != nil {
		return err
	}
	if j.WorkflowID == "" {
		return nil
	}
	wfAtt := *att
	wfAtt.AttestationType = AttestWorkflowFailure
	return a.write(ctx, WorkflowFailureAttestKey(wf, -1), &wfAtt)
}

// RecordCompletion writes the completion attestation for a successfully
// finished job.
func (a *Attestor) RecordCompletion(ctx context.Context, j *Job, processingMS int64) error {
	att := &Attestation{
		AttestationType: AttestCompletion,
		JobID:           j.ID,
		WorkerID:        j.WorkerID,
		WorkflowID:      j.WorkflowID,
		RetryCount:      j.RetryCount,
		WillRetry:       false,
		WorkflowImpact:  "step_completed",
		ProcessingMS:    processingMS,
	}
	return a.write(ctx, JobCompletionAttestKey(j.WorkflowScope(), j.ID), att)
}

// RecordShutdown writes a retry attestation attributing an interrupted job
// to a worker shutdown rather than an execution fault.
func (a *Attestor) RecordShutdown(ctx context.Context, j *Job, reason string) error {
	wf := j.WorkflowScope()
	att := &Attestation{
		AttestationType: AttestFailureRetry,
		JobID:           j.ID,
		WorkerID:        j.WorkerID,
		WorkflowID:      j.WorkflowID,
		FailureKind:     FailWorkerCrash,
		RetryCount:      j.RetryCount,
		WillRetry:       true,
		WorkflowImpact:  "step_delayed",
		Reason:          reason,
	}
	return a.write(ctx, JobFailureAttestKey(wf, j.ID, j.RetryCount), att)
}
