package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Validation errors surfaced by Submit. They map to HTTP 400 at the API.
var (
	ErrMissingService = errors.New("job spec has no service_required")
	ErrInvalidPayload = errors.New("job payload is not valid JSON")
)

// DefaultMaxRetries applies when a submission does not set a retry budget.
const DefaultMaxRetries = 3

// retryBackupTTL bounds how long pre-retry snapshots are retained.
const retryBackupTTL = 7 * 24 * time.Hour

// JobSpec is the submission request. Everything except ServiceRequired is
// optional; an absent ID is generated.
type JobSpec struct {
	ID               string           `json:"id,omitempty"`
	ServiceRequired  string           `json:"service_required" validate:"required"`
	Priority         int              `json:"priority,omitempty"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
	Requirements     *JobRequirements `json:"requirements,omitempty"`
	CustomerID       string           `json:"customer_id,omitempty"`
	WorkflowID       string           `json:"workflow_id,omitempty"`
	WorkflowPriority *int             `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64            `json:"workflow_datetime,omitempty"`
	StepNumber       int              `json:"step_number,omitempty"`
	MaxRetries       *int             `json:"max_retries,omitempty"`
}

// Submitter is the submission and control surface of the data plane. It
// writes canonical records, maintains the pending index, and emits the
// corresponding lifecycle events.
type Submitter struct {
	store   *Store
	emitter EventEmitter
	logger  *logharbour.Logger
}

// NewSubmitter creates a Submitter. A nil emitter drops events.
func NewSubmitter(store *Store, emitter EventEmitter, logger *logharbour.Logger) *Submitter {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Submitter{store: store, emitter: emitter, logger: logger}
}

// Submit validates the spec, resolves the effective priority, writes the
// job record, inserts it into the pending index and emits job_submitted.
func (sb *Submitter) Submit(ctx context.Context, spec *JobSpec) (*Job, error) {
	if spec.ServiceRequired == "" {
		return nil, ErrMissingService
	}
	if len(spec.Payload) > 0 && !json.Valid(spec.Payload) {
		return nil, ErrInvalidPayload
	}

	job := &Job{
		ID:               spec.ID,
		ServiceRequired:  spec.ServiceRequired,
		Priority:         spec.Priority,
		Payload:          spec.Payload,
		Requirements:     spec.Requirements,
		CustomerID:       spec.CustomerID,
		WorkflowID:       spec.WorkflowID,
		WorkflowPriority: spec.WorkflowPriority,
		WorkflowDatetime: spec.WorkflowDatetime,
		StepNumber:       spec.StepNumber,
		MaxRetries:       DefaultMaxRetries,
		CreatedAt:        NowMillis(),
		Status:           StatusPending,
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if spec.MaxRetries != nil {
		job.MaxRetries = *spec.MaxRetries
	}
	if job.WorkflowID != "" && job.WorkflowDatetime == 0 {
		job.WorkflowDatetime = job.CreatedAt
	}
	job.ResolvePriority()

	if err := sb.store.WriteJob(ctx, job); err != nil {
		return nil, fmt.Errorf("write job record: %w", err)
	}
	if err := sb.store.EnqueuePending(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue pending: %w", err)
	}

	sb.logger.Info().LogActivity("Job submitted", map[string]any{
		"jobId":             job.ID,
		"service":           job.ServiceRequired,
		"effectivePriority": job.EffectivePriority,
		"prioritySource":    string(job.PrioritySource),
		"workflowId":        job.WorkflowID,
	})
	sb.emitter.Emit(Event{
		ID:        uuid.New().String(),
		Type:      EventJobSubmitted,
		Timestamp: NowMillis(),
		JobID:     job.ID,
		JobType:   job.ServiceRequired,
		Priority:  job.EffectivePriority,
		Data:      map[string]any{"workflow_id": job.WorkflowID, "step_number": job.StepNumber},
	})
	return job, nil
}

// Cancel cancels a job. A pending job is removed from the index and marked
// cancelled immediately. An assigned or active job is marked cancelling and
// the owning worker is signalled; the worker reconciles the terminal state.
func (sb *Submitter) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := sb.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case StatusPending:
		removed, err := sb.store.RemovePending(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !removed {
			// Claimed between the read and the ZREM; fall through to the
			// worker-signalling path on the fresh record.
			return sb.Cancel(ctx, jobID)
		}
		now := NowMillis()
		if err := sb.store.SetJobFields(ctx, jobID, map[string]any{
			"status":    string(StatusCancelled),
			"failed_at": now,
			"error":     string(FailCancelled),
		}); err != nil {
			return nil, err
		}
		job.Status = StatusCancelled
		sb.emitStatusChange(job, StatusPending)
		return job, nil

	case StatusAssigned, StatusActive:
		if err := sb.store.SetJobFields(ctx, jobID, map[string]any{
			"status": string(StatusCancelling),
		}); err != nil {
			return nil, err
		}
		prev := job.Status
		job.Status = StatusCancelling
		if err := sb.store.PublishControl(ctx, job.WorkerID, map[string]any{
			"type":   "cancel_job",
			"job_id": jobID,
		}); err != nil {
			sb.logger.Warn().LogActivity("Cancel signal publish failed", map[string]any{
				"jobId":    jobID,
				"workerId": job.WorkerID,
				"error":    err.Error(),
			})
		}
		sb.emitStatusChange(job, prev)
		return job, nil

	case StatusCancelling:
		return job, nil

	default:
		return nil, fmt.Errorf("%w: cannot cancel job in status %s", ErrIllegalTransition, job.Status)
	}
}

// Retry resets a terminal job back to pending, preserving its workflow
// identity and incrementing the retry count. The pre-retry record is kept
// as an immutable backup so operators can inspect every attempt.
func (sb *Submitter) Retry(ctx context.Context, jobID string) (*Job, error) {
	job, err := sb.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job is %s", ErrRetryNotPermitted, job.Status)
	}

	n := job.RetryCount + 1
	if err := sb.requeue(ctx, job, n); err != nil {
		return nil, err
	}
	sb.logger.Info().LogActivity("Job reset for retry", map[string]any{
		"jobId":      jobID,
		"retryCount": n,
	})
	return sb.store.GetJob(ctx, jobID)
}

// Requeue returns a failed-in-flight job to the pending index with an
// incremented retry count. Used by the worker failure path and the janitor.
func (sb *Submitter) Requeue(ctx context.Context, job *Job) error {
	return sb.requeue(ctx, job, job.RetryCount+1)
}

func (sb *Submitter) requeue(ctx context.Context, job *Job, retryCount int) error {
	prev := job.Status

	// Snapshot the pre-reset record so every attempt can be inspected later.
	backup, err := json.Marshal(jobHashStrings(job))
	if err != nil {
		return err
	}
	if err := sb.store.Redis.Set(ctx, JobBackupKey(job.ID, retryCount), string(backup), retryBackupTTL).Err(); err != nil {
		return fmt.Errorf("write retry backup: %w", err)
	}

	pipe := sb.store.Redis.TxPipeline()
	pipe.HSet(ctx, JobKey(job.ID), map[string]any{
		"status":      string(StatusPending),
		"retry_count": retryCount,
		"progress":    0,
	})
	pipe.HDel(ctx, JobKey(job.ID),
		"worker_id", "assigned_at", "started_at", "completed_at", "failed_at", "error", "result", "result_ref")
	if job.WorkerID != "" {
		pipe.HDel(ctx, ActiveJobsKey(job.WorkerID), job.ID)
	}
	job.Status = StatusPending
	job.RetryCount = retryCount
	pipe.ZAdd(ctx, PendingKey(), redisZ(job))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	job.WorkerID = ""
	job.Progress = 0
	sb.emitStatusChange(job, prev)
	return nil
}

// SyncJobState force-broadcasts the current record of one job, or of every
// indexed job when jobID is empty.
func (sb *Submitter) SyncJobState(ctx context.Context, jobID string) error {
	if jobID != "" {
		job, err := sb.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		sb.emitSync(job)
		return nil
	}
	all, err := sb.store.ListJobs(ctx, "", 1000)
	if err != nil {
		return err
	}
	for _, job := range all {
		sb.emitSync(job)
	}
	return nil
}

func (sb *Submitter) emitSync(job *Job) {
	sb.emitter.Emit(Event{
		ID:        uuid.New().String(),
		Type:      EventJobStatusChanged,
		Timestamp: NowMillis(),
		JobID:     job.ID,
		WorkerID:  job.WorkerID,
		JobType:   job.ServiceRequired,
		Priority:  job.EffectivePriority,
		Data:      map[string]any{"status": string(job.Status), "sync": true},
	})
}

func (sb *Submitter) emitStatusChange(job *Job, prev JobStatus) {
	sb.logger.LogDataChange("Job status changed", logharbour.ChangeInfo{
		Entity: "Job",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: string(prev), NewVal: string(job.Status)},
		},
	})
	sb.emitter.Emit(Event{
		ID:        uuid.New().String(),
		Type:      EventJobStatusChanged,
		Timestamp: NowMillis(),
		JobID:     job.ID,
		WorkerID:  job.WorkerID,
		JobType:   job.ServiceRequired,
		Priority:  job.EffectivePriority,
		Data:      map[string]any{"status": string(job.Status), "previous_status": string(prev)},
	})
}

// jobHashStrings renders the hash representation with every value as a
// string, the shape backups share with the matcher's claimed-job snapshots.
func jobHashStrings(j *Job) map[string]string {
	out := make(map[string]string)
	for k, v := range jobToHash(j) {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
