package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Store is the Redis data plane: the single cross-process source of truth
// for job records, the pending index, the worker registry, progress streams
// and attestations. All multi-key mutations that race with the matcher are
// done inside the matcher's server-side script; everything here is
// single-writer and needs no locking.
type Store struct {
	Redis  *redis.Client
	Logger *logharbour.Logger
}

// NewStore creates a Store over the given Redis client.
func NewStore(client *redis.Client, logger *logharbour.Logger) *Store {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Store{Redis: client, Logger: logger}
}

// jobToHash flattens a job record into the hash representation stored under
// job:{id}. Structured fields are JSON-encoded; zero-valued optional fields
// are omitted so HGETALL stays readable.
func jobToHash(j *Job) map[string]any {
	h := map[string]any{
		"id":                 j.ID,
		"service_required":   j.ServiceRequired,
		"priority":           j.Priority,
		"effective_priority": j.EffectivePriority,
		"priority_source":    string(j.PrioritySource),
		"retry_count":        j.RetryCount,
		"max_retries":        j.MaxRetries,
		"failure_count":      j.FailureCount,
		"created_at":         j.CreatedAt,
		"status":             string(j.Status),
	}
	if len(j.Payload) > 0 {
		h["payload"] = string(j.Payload)
	}
	if j.Requirements != nil {
		b, _ := json.Marshal(j.Requirements)
		h["requirements"] = string(b)
	}
	if j.CustomerID != "" {
		h["customer_id"] = j.CustomerID
	}
	if j.WorkflowID != "" {
		h["workflow_id"] = j.WorkflowID
	}
	if j.WorkflowPriority != nil {
		h["workflow_priority"] = *j.WorkflowPriority
	}
	if j.WorkflowDatetime > 0 {
		h["workflow_datetime"] = j.WorkflowDatetime
	}
	if j.StepNumber > 0 {
		h["step_number"] = j.StepNumber
	}
	if j.AssignedAt > 0 {
		h["assigned_at"] = j.AssignedAt
	}
	if j.StartedAt > 0 {
		h["started_at"] = j.StartedAt
	}
	if j.CompletedAt > 0 {
		h["completed_at"] = j.CompletedAt
	}
	if j.FailedAt > 0 {
		h["failed_at"] = j.FailedAt
	}
	if j.WorkerID != "" {
		h["worker_id"] = j.WorkerID
	}
	if j.Progress > 0 {
		h["progress"] = j.Progress
	}
	if len(j.Result) > 0 {
		h["result"] = string(j.Result)
	}
	if j.ResultRef != "" {
		h["result_ref"] = j.ResultRef
	}
	if j.Error != "" {
		h["error"] = j.Error
	}
	return h
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// jobFromHash rebuilds a job record from its hash representation.
func jobFromHash(h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	j := &Job{
		ID:                h["id"],
		ServiceRequired:   h["service_required"],
		Priority:          parseInt(h["priority"]),
		EffectivePriority: parseInt(h["effective_priority"]),
		PrioritySource:    PrioritySource(h["priority_source"]),
		CustomerID:        h["customer_id"],
		WorkflowID:        h["workflow_id"],
		WorkflowDatetime:  parseInt64(h["workflow_datetime"]),
		StepNumber:        parseInt(h["step_number"]),
		RetryCount:        parseInt(h["retry_count"]),
		MaxRetries:        parseInt(h["max_retries"]),
		FailureCount:      parseInt(h["failure_count"]),
		CreatedAt:         parseInt64(h["created_at"]),
		AssignedAt:        parseInt64(h["assigned_at"]),
		StartedAt:         parseInt64(h["started_at"]),
		CompletedAt:       parseInt64(h["completed_at"]),
		FailedAt:          parseInt64(h["failed_at"]),
		Status:            JobStatus(h["status"]),
		WorkerID:          h["worker_id"],
		Progress:          parseFloat(h["progress"]),
		ResultRef:         h["result_ref"],
		Error:             h["error"],
	}
	if s, ok := h["payload"]; ok {
		j.Payload = json.RawMessage(s)
	}
	if s, ok := h["result"]; ok {
		j.Result = json.RawMessage(s)
	}
	if s, ok := h["requirements"]; ok && s != "" {
		var req JobRequirements
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return nil, fmt.Errorf("corrupt requirements on job %s: %w", j.ID, err)
		}
		j.Requirements = &req
	}
	if s, ok := h["workflow_priority"]; ok && s != "" {
		p := parseInt(s)
		j.WorkflowPriority = &p
	}
	return j, nil
}

// WriteJob persists the full job record hash. It does not touch the pending
// index; submission and requeue paths own index membership.
func (s *Store) WriteJob(ctx context.Context, j *Job) error {
	return s.Redis.HSet(ctx, JobKey(j.ID), jobToHash(j)).Err()
}

// GetJob loads a job record. Returns ErrJobNotFound when the key is absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	h, err := s.Redis.HGetAll(ctx, JobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	return jobFromHash(h)
}

// SetJobFields updates selected fields of a job record hash.
func (s *Store) SetJobFields(ctx context.Context, jobID string, fields map[string]any) error {
	return s.Redis.HSet(ctx, JobKey(jobID), fields).Err()
}

// redisZ renders a job as its pending index member.
func redisZ(j *Job) redis.Z {
	return redis.Z{Score: j.Score(), Member: j.ID}
}

// EnqueuePending inserts a job into the pending index with its encoded
// score and records it in the global job index.
func (s *Store) EnqueuePending(ctx context.Context, j *Job) error {
	pipe := s.Redis.TxPipeline()
	pipe.ZAdd(ctx, PendingKey(), redis.Z{Score: j.Score(), Member: j.ID})
	pipe.ZAdd(ctx, JobIndexKey(), redis.Z{Score: float64(j.CreatedAt), Member: j.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePending removes a job id from the pending index. Returns true when
// the id was present (i.e. this caller won the removal).
func (s *Store) RemovePending(ctx context.Context, jobID string) (bool, error) {
	n, err := s.Redis.ZRem(ctx, PendingKey(), jobID).Result()
	return n == 1, err
}

// PendingCount returns the size of the pending index.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.Redis.ZCard(ctx, PendingKey()).Result()
}

// ListJobs returns up to limit job records, newest first, optionally
// filtered by status. It walks the global job index rather than SCAN.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.Redis.ZRevRange(ctx, JobIndexKey(), 0, limit*4).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, limit)
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// workerToHash flattens a worker record into its hash representation.
func workerToHash(w *Worker) map[string]any {
	services, _ := json.Marshal(w.Services)
	hardware, _ := json.Marshal(w.Hardware)
	h := map[string]any{
		"worker_id":                w.WorkerID,
		"machine_id":               w.MachineID,
		"services":                 string(services),
		"hardware":                 string(hardware),
		"status":                   string(w.Status),
		"connected_at":             w.ConnectedAt,
		"last_heartbeat":           w.LastHeartbeat,
		"jobs_completed":           w.JobsCompleted,
		"jobs_failed":              w.JobsFailed,
		"total_processing_time_ms": w.TotalProcessingTimeMS,
	}
	if len(w.Models) > 0 {
		b, _ := json.Marshal(w.Models)
		h["models"] = string(b)
	}
	if w.CustomerAccess.Isolation != "" || len(w.CustomerAccess.AllowedCustomers) > 0 || len(w.CustomerAccess.DeniedCustomers) > 0 {
		b, _ := json.Marshal(w.CustomerAccess)
		h["customer_access"] = string(b)
	}
	if len(w.Custom) > 0 {
		b, _ := json.Marshal(w.Custom)
		h["custom"] = string(b)
	}
	if w.MaxConcurrent > 0 {
		h["max_concurrent_jobs"] = w.MaxConcurrent
	}
	if w.CurrentJobID != "" {
		h["current_job_id"] = w.CurrentJobID
	}
	return h
}

// workerFromHash rebuilds a worker record from its hash representation.
func workerFromHash(h map[string]string) (*Worker, error) {
	if len(h) == 0 {
		return nil, ErrWorkerNotFound
	}
	w := &Worker{
		WorkerCapabilities: WorkerCapabilities{
			WorkerID:      h["worker_id"],
			MachineID:     h["machine_id"],
			MaxConcurrent: parseInt(h["max_concurrent_jobs"]),
		},
		Status:                WorkerStatus(h["status"]),
		CurrentJobID:          h["current_job_id"],
		ConnectedAt:           parseInt64(h["connected_at"]),
		LastHeartbeat:         parseInt64(h["last_heartbeat"]),
		JobsCompleted:         parseInt64(h["jobs_completed"]),
		JobsFailed:            parseInt64(h["jobs_failed"]),
		TotalProcessingTimeMS: parseInt64(h["total_processing_time_ms"]),
	}
	if s := h["services"]; s != "" {
		json.Unmarshal([]byte(s), &w.Services)
	}
	if s := h["hardware"]; s != "" {
		json.Unmarshal([]byte(s), &w.Hardware)
	}
	if s := h["models"]; s != "" {
		json.Unmarshal([]byte(s), &w.Models)
	}
	if s := h["customer_access"]; s != "" {
		json.Unmarshal([]byte(s), &w.CustomerAccess)
	}
	if s := h["custom"]; s != "" {
		json.Unmarshal([]byte(s), &w.Custom)
	}
	return w, nil
}

// RegisterWorker writes the worker record and adds it to the registry SET.
// SADD is idempotent, so re-registration on reconnect is safe.
func (s *Store) RegisterWorker(ctx context.Context, w *Worker) error {
	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, WorkerKey(w.WorkerID), workerToHash(w))
	pipe.SAdd(ctx, WorkerRegistryKey(), w.WorkerID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetWorker loads a worker record. Returns ErrWorkerNotFound when absent.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	h, err := s.Redis.HGetAll(ctx, WorkerKey(workerID)).Result()
	if err != nil {
		return nil, err
	}
	return workerFromHash(h)
}

// SetWorkerFields updates selected fields of a worker record hash.
func (s *Store) SetWorkerFields(ctx context.Context, workerID string, fields map[string]any) error {
	return s.Redis.HSet(ctx, WorkerKey(workerID), fields).Err()
}

// ClearWorkerJob removes the worker's current job pointer and returns it to
// idle. Used after terminal reporting and by the janitor.
func (s *Store) ClearWorkerJob(ctx context.Context, workerID string) error {
	pipe := s.Redis.TxPipeline()
	pipe.HDel(ctx, WorkerKey(workerID), "current_job_id")
	pipe.HSet(ctx, WorkerKey(workerID), "status", string(WorkerIdle))
	_, err := pipe.Exec(ctx)
	return err
}

// ListWorkers returns every registered worker record.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	ids, err := s.Redis.SMembers(ctx, WorkerRegistryKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if err == ErrWorkerNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// DeregisterWorker removes the worker from the registry and marks its
// record offline. The record itself is kept for post-mortem inspection.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	pipe := s.Redis.TxPipeline()
	pipe.SRem(ctx, WorkerRegistryKey(), workerID)
	pipe.HSet(ctx, WorkerKey(workerID), "status", string(WorkerOffline))
	pipe.HDel(ctx, WorkerKey(workerID), "current_job_id")
	_, err := pipe.Exec(ctx)
	return err
}

// AppendProgress appends one entry to the job's progress stream. The stream
// is append-only; readers use XRANGE.
func (s *Store) AppendProgress(ctx context.Context, jobID string, entry ProgressEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = NowMillis()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: ProgressKey(jobID),
		Values: map[string]any{"entry": string(b)},
	}).Err()
}

// GetProgress returns the job's full progress history in append order.
func (s *Store) GetProgress(ctx context.Context, jobID string) ([]ProgressEntry, error) {
	msgs, err := s.Redis.XRange(ctx, ProgressKey(jobID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]ProgressEntry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["entry"].(string)
		if !ok {
			continue
		}
		var e ProgressEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.Logger.Warn().LogActivity("Skipping corrupt progress entry", map[string]any{
				"jobId":    jobID,
				"streamId": m.ID,
			})
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// IncrCompleted bumps the global completed-jobs counter.
func (s *Store) IncrCompleted(ctx context.Context) error {
	return s.Redis.Incr(ctx, CompletedCounterKey()).Err()
}

// IncrFailed bumps the global failed-jobs counter.
func (s *Store) IncrFailed(ctx context.Context) error {
	return s.Redis.Incr(ctx, FailedCounterKey()).Err()
}

// PublishControl sends an out-of-band control message (cancel_job,
// sync_job_state) to one worker over pub/sub. Delivery is best-effort; the
// matcher path does not depend on it.
func (s *Store) PublishControl(ctx context.Context, workerID string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, WorkerControlChannel(workerID), string(b)).Err()
}

// SubscribeControl subscribes to a worker's control channel. The caller
// owns the returned PubSub and must Close it.
func (s *Store) SubscribeControl(ctx context.Context, workerID string) *redis.PubSub {
	return s.Redis.Subscribe(ctx, WorkerControlChannel(workerID))
}

// SystemStats is the snapshot payload of the system_stats event.
type SystemStats struct {
	PendingJobs    int64                  `json:"pending_jobs"`
	CompletedTotal int64                  `json:"completed_total"`
	FailedTotal    int64                  `json:"failed_total"`
	WorkersByState map[WorkerStatus]int64 `json:"workers_by_state"`
	Timestamp      int64                  `json:"timestamp"`
}

// CollectStats gathers the monitoring counters used by the system_stats
// event and the metrics endpoint.
func (s *Store) CollectStats(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{
		WorkersByState: make(map[WorkerStatus]int64),
		Timestamp:      NowMillis(),
	}
	var err error
	if stats.PendingJobs, err = s.PendingCount(ctx); err != nil {
		return nil, err
	}
	stats.CompletedTotal = parseInt64(s.Redis.Get(ctx, CompletedCounterKey()).Val())
	stats.FailedTotal = parseInt64(s.Redis.Get(ctx, FailedCounterKey()).Val())

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		stats.WorkersByState[w.Status]++
	}
	return stats, nil
}
