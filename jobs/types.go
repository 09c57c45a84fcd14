package jobs

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job. The wire values are stored
// verbatim in the job record hash so that any Redis client can read them.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusAssigned   JobStatus = "assigned"
	StatusActive     JobStatus = "active"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusCancelling JobStatus = "cancelling"
	StatusUnworkable JobStatus = "unworkable"
)

// Terminal reports whether the status is a terminal state. Cancelling is not
// terminal -- the owning worker reconciles it to cancelled or failed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusUnworkable:
		return true
	}
	return false
}

// WorkerStatus is the lifecycle state of a worker record.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// PrioritySource records which rule produced a job's effective priority,
// so operators can audit the precedence decision after the fact.
type PrioritySource string

const (
	PriorityExplicit  PrioritySource = "explicit"
	PriorityWorkflow  PrioritySource = "workflow"
	PriorityDefaulted PrioritySource = "default"
)

// HardwareSpec holds the numeric hardware capabilities of a worker, or the
// minima a job requires. On the requirements side a field may be the string
// sentinel "all" instead of a number, which disables that check; that case is
// handled in the matcher, not here.
type HardwareSpec struct {
	GPUMemoryGB float64 `json:"gpu_memory_gb,omitempty"`
	CPUCores    float64 `json:"cpu_cores,omitempty"`
	RAMGB       float64 `json:"ram_gb,omitempty"`
}

// CustomerAccess describes a worker's customer isolation posture.
// AllowedCustomers is a whitelist when non-empty; DeniedCustomers is always
// a blacklist.
type CustomerAccess struct {
	Isolation        string   `json:"isolation,omitempty"` // strict, loose or none
	AllowedCustomers []string `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string `json:"denied_customers,omitempty"`
}

// JobRequirements is the predicate a worker must satisfy to claim a job.
// Hardware and Models admit the "all" sentinel. Custom carries arbitrary
// user-defined requirement keys compared structurally against the worker
// capability tree by dotted-path lookup.
type JobRequirements struct {
	Hardware          map[string]any `json:"hardware,omitempty"`
	Models            any            `json:"models,omitempty"` // []string or "all"
	CustomerIsolation string         `json:"customer_isolation,omitempty"`
	Custom            map[string]any `json:"custom,omitempty"`
}

// Job is the canonical job record. It is persisted as a Redis hash under
// job:{id} with one hash field per struct field; structured fields are
// JSON-encoded strings. Timestamps are unix milliseconds.
type Job struct {
	ID                string           `json:"id"`
	ServiceRequired   string           `json:"service_required"`
	Priority          int              `json:"priority"`
	EffectivePriority int              `json:"effective_priority"`
	PrioritySource    PrioritySource   `json:"priority_source"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
	Requirements      *JobRequirements `json:"requirements,omitempty"`
	CustomerID        string           `json:"customer_id,omitempty"`

	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority *int   `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64  `json:"workflow_datetime,omitempty"` // unix ms
	StepNumber       int    `json:"step_number,omitempty"`

	RetryCount   int `json:"retry_count"`
	MaxRetries   int `json:"max_retries"`
	FailureCount int `json:"failure_count"`

	CreatedAt   int64 `json:"created_at"`
	AssignedAt  int64 `json:"assigned_at,omitempty"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
	FailedAt    int64 `json:"failed_at,omitempty"`

	Status    JobStatus       `json:"status"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ResultRef string          `json:"result_ref,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WorkflowScope returns the workflow segment used in attestation keys.
// A job without a workflow is treated as a workflow of one, keyed by its
// own id, so the forensic key shape stays uniform.
func (j *Job) WorkflowScope() string {
	if j.WorkflowID != "" {
		return j.WorkflowID
	}
	return j.ID
}

// SortTimestamp returns the time component of the effective priority key:
// the workflow's datetime when the job belongs to a workflow, else the
// job's own creation time. All steps of one workflow therefore share one
// sort key and are served before any newer workflow of equal priority.
func (j *Job) SortTimestamp() int64 {
	if j.WorkflowID != "" && j.WorkflowDatetime > 0 {
		return j.WorkflowDatetime
	}
	return j.CreatedAt
}

// WorkerCapabilities is the capability snapshot a worker advertises. It is
// both the worker registration record and the exact JSON document the
// matcher script evaluates requirements against. Custom requirement keys
// resolve by dotted path against Custom first, then the capability root.
type WorkerCapabilities struct {
	WorkerID       string              `json:"worker_id"`
	MachineID      string              `json:"machine_id"`
	Services       []string            `json:"services"`
	Hardware       HardwareSpec        `json:"hardware"`
	Models         map[string][]string `json:"models,omitempty"`
	CustomerAccess CustomerAccess      `json:"customer_access,omitempty"`
	Custom         map[string]any      `json:"custom,omitempty"`
	MaxConcurrent  int                 `json:"max_concurrent_jobs,omitempty"`
}

// Worker is the runtime view of a worker record as stored under
// worker:{worker_id}.
type Worker struct {
	WorkerCapabilities

	Status       WorkerStatus `json:"status"`
	CurrentJobID string       `json:"current_job_id,omitempty"`
	ConnectedAt  int64        `json:"connected_at"`

	// LastHeartbeat is unix milliseconds of the most recent heartbeat.
	LastHeartbeat int64 `json:"last_heartbeat"`

	JobsCompleted         int64 `json:"jobs_completed"`
	JobsFailed            int64 `json:"jobs_failed"`
	TotalProcessingTimeMS int64 `json:"total_processing_time_ms"`
}

// ProgressEntry is one element of the progress:{job_id} stream.
type ProgressEntry struct {
	Percent             float64 `json:"percent"`
	Message             string  `json:"message,omitempty"`
	CurrentStep         int     `json:"current_step,omitempty"`
	TotalSteps          int     `json:"total_steps,omitempty"`
	EstimatedCompletion int64   `json:"estimated_completion,omitempty"` // unix ms
	Timestamp           int64   `json:"timestamp"`
	WorkerID            string  `json:"worker_id,omitempty"`
	Status              string  `json:"status,omitempty"`
}

// NowMillis returns the current wall clock as unix milliseconds, the time
// base used throughout the Redis data plane.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
