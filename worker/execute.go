package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/jobs"
)

// execute runs one claimed job end to end: active transition, throttled
// progress relay, connector call, then the completion, retry-or-fail, or
// cancellation epilogue.
func (r *Runtime) execute(ctx context.Context, job *jobs.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.trackRunning(job, cancel)
	defer r.untrackRunning(job.ID)

	conn, ok := r.registry.Lookup(job.ServiceRequired)
	if !ok {
		// Claimed on stale capabilities; nothing here can run it.
		r.fail(ctx, job, jobs.FailUnknown, fmt.Errorf("no connector for service %s", job.ServiceRequired))
		return
	}

	started := jobs.NowMillis()
	if err := r.store.SetJobFields(ctx, job.ID, map[string]any{
		"status":     string(jobs.StatusActive),
		"started_at": started,
	}); err != nil {
		r.logger.Error(err).LogActivity("Active transition failed", map[string]any{"jobId": job.ID})
		return
	}
	prev := job.Status
	job.Status = jobs.StatusActive
	job.StartedAt = started
	r.emitJobStatus(job, prev)
	r.logger.Info().LogActivity("Job execution started", map[string]any{
		"jobId":     job.ID,
		"workerId":  r.caps.WorkerID,
		"service":   job.ServiceRequired,
		"connector": conn.Name(),
	})

	result, err := conn.Execute(jobCtx, job, r.progressReporter(ctx, job))
	elapsed := jobs.NowMillis() - started

	switch {
	case err == nil:
		r.complete(ctx, job, result, elapsed)
	case r.isCancellation(ctx, job, err):
		r.finalizeCancel(ctx, job)
	case r.stopping() && errors.Is(err, context.Canceled):
		// Shutdown interrupted the job; Stop attests and requeues it.
	default:
		r.fail(ctx, job, jobs.Classify(err), err)
	}
}

func (r *Runtime) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// isCancellation decides whether an execution error is the operator cancel
// path: the record was moved to cancelling and the job context torn down.
func (r *Runtime) isCancellation(ctx context.Context, job *jobs.Job, err error) bool {
	if !errors.Is(err, context.Canceled) && jobs.Classify(err) != jobs.FailCancelled {
		return false
	}
	fresh, gerr := r.store.GetJob(ctx, job.ID)
	if gerr != nil {
		return false
	}
	return fresh.Status == jobs.StatusCancelling
}

// progressReporter returns the ProgressFunc handed to connectors. Updates
// are persisted and emitted at most once per throttle window; the terminal
// 100% entry always goes through.
func (r *Runtime) progressReporter(ctx context.Context, job *jobs.Job) ProgressFunc {
	var mu sync.Mutex
	var lastSent time.Time

	return func(entry jobs.ProgressEntry) {
		mu.Lock()
		defer mu.Unlock()
		if entry.Percent < 100 && time.Since(lastSent) < r.cfg.ProgressThrottle {
			return
		}
		lastSent = time.Now()

		entry.WorkerID = r.caps.WorkerID
		entry.Status = string(jobs.StatusActive)
		if err := r.store.AppendProgress(ctx, job.ID, entry); err != nil {
			r.logger.Warn().LogActivity("Progress append failed", map[string]any{
				"jobId": job.ID,
				"error": err.Error(),
			})
			return
		}
		if err := r.store.SetJobFields(ctx, job.ID, map[string]any{"progress": entry.Percent}); err != nil {
			return
		}
		r.emitter.Emit(jobs.Event{
			ID:        uuid.New().String(),
			Type:      jobs.EventJobProgress,
			Timestamp: jobs.NowMillis(),
			JobID:     job.ID,
			WorkerID:  r.caps.WorkerID,
			JobType:   job.ServiceRequired,
			Data: map[string]any{
				"percent":      entry.Percent,
				"message":      entry.Message,
				"current_step": entry.CurrentStep,
				"total_steps":  entry.TotalSteps,
			},
		})
	}
}

// complete finalizes a successful job: result storage (inline or offloaded),
// the terminal record update, worker counters, the completion attestation
// and the complete_job event.
func (r *Runtime) complete(ctx context.Context, job *jobs.Job, result json.RawMessage, elapsed int64) {
	now := jobs.NowMillis()
	fields := map[string]any{
		"status":       string(jobs.StatusCompleted),
		"completed_at": now,
		"progress":     100,
	}

	var resultRef string
	if len(result) > 0 {
		if len(result) > r.cfg.ResultInlineLimit && r.objStore != nil {
			obj := fmt.Sprintf("results/%s.json", job.ID)
			err := r.objStore.Put(ctx, r.cfg.ResultBucket, obj,
				bytes.NewReader(result), int64(len(result)), "application/json")
			if err != nil {
				r.logger.Warn().LogActivity("Result offload failed, storing inline", map[string]any{
					"jobId": job.ID,
					"size":  len(result),
					"error": err.Error(),
				})
				fields["result"] = string(result)
			} else {
				resultRef = fmt.Sprintf("%s/%s", r.cfg.ResultBucket, obj)
				fields["result_ref"] = resultRef
			}
		} else {
			fields["result"] = string(result)
		}
	}

	if err := r.store.SetJobFields(ctx, job.ID, fields); err != nil {
		r.logger.Error(err).LogActivity("Completion write failed", map[string]any{"jobId": job.ID})
		return
	}
	r.releaseJob(ctx, job)

	pipe := r.store.Redis.TxPipeline()
	pipe.HIncrBy(ctx, jobs.WorkerKey(r.caps.WorkerID), "jobs_completed", 1)
	pipe.HIncrBy(ctx, jobs.WorkerKey(r.caps.WorkerID), "total_processing_time_ms", elapsed)
	pipe.Exec(ctx)
	r.store.IncrCompleted(ctx)

	if err := r.attestor.RecordCompletion(ctx, job, elapsed); err != nil {
		r.logger.Error(err).LogActivity("Completion attestation failed", map[string]any{"jobId": job.ID})
	}

	r.logger.LogDataChange("Job completed", logharbour.ChangeInfo{
		Entity: "Job",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: string(jobs.StatusActive), NewVal: string(jobs.StatusCompleted)},
		},
	})
	r.emitter.Emit(jobs.Event{
		ID:        uuid.New().String(),
		Type:      jobs.EventJobCompleted,
		Timestamp: now,
		JobID:     job.ID,
		WorkerID:  r.caps.WorkerID,
		JobType:   job.ServiceRequired,
		Priority:  job.EffectivePriority,
		Data: map[string]any{
			"processing_ms": elapsed,
			"result_ref":    resultRef,
		},
	})
}

// fail applies the retry strategy: retryable kinds with budget left go back
// to the pending index with an attestation; everything else is a permanent
// failure.
func (r *Runtime) fail(ctx context.Context, job *jobs.Job, kind jobs.FailureKind, execErr error) {
	r.store.SetJobFields(ctx, job.ID, map[string]any{"failure_count": job.FailureCount + 1})
	job.FailureCount++

	willRetry := kind.Retryable() && job.RetryCount < job.MaxRetries
	r.logger.Error(execErr).LogActivity("Job execution failed", map[string]any{
		"jobId":      job.ID,
		"workerId":   r.caps.WorkerID,
		"kind":       string(kind),
		"retryCount": job.RetryCount,
		"maxRetries": job.MaxRetries,
		"willRetry":  willRetry,
	})

	pipe := r.store.Redis.TxPipeline()
	pipe.HIncrBy(ctx, jobs.WorkerKey(r.caps.WorkerID), "jobs_failed", 1)
	pipe.Exec(ctx)

	if willRetry {
		if err := r.attestor.RecordRetry(ctx, job, kind, execErr.Error()); err != nil {
			r.logger.Error(err).LogActivity("Retry attestation failed", map[string]any{"jobId": job.ID})
		}
		if err := r.submitter.Requeue(ctx, job); err != nil {
			r.logger.Error(err).LogActivity("Requeue after failure failed", map[string]any{"jobId": job.ID})
			return
		}
		r.setWorkerIdleIfDrained(ctx)
		r.emitJobFailed(job, kind, execErr, true)
		return
	}

	now := jobs.NowMillis()
	if err := r.store.SetJobFields(ctx, job.ID, map[string]any{
		"status":    string(jobs.StatusFailed),
		"failed_at": now,
		"error":     fmt.Sprintf("%s: %v", kind, execErr),
	}); err != nil {
		r.logger.Error(err).LogActivity("Failure write failed", map[string]any{"jobId": job.ID})
		return
	}
	prev := job.Status
	job.Status = jobs.StatusFailed
	r.releaseJob(ctx, job)
	r.store.IncrFailed(ctx)

	if err := r.attestor.RecordPermanentFailure(ctx, job, kind, execErr.Error()); err != nil {
		r.logger.Error(err).LogActivity("Permanent failure attestation failed", map[string]any{"jobId": job.ID})
	}
	r.emitJobStatus(job, prev)
	r.emitJobFailed(job, kind, execErr, false)
}

// finalizeCancel reconciles a cancelling job to cancelled after the
// connector has stopped.
func (r *Runtime) finalizeCancel(ctx context.Context, job *jobs.Job) {
	now := jobs.NowMillis()
	if err := r.store.SetJobFields(ctx, job.ID, map[string]any{
		"status":    string(jobs.StatusCancelled),
		"failed_at": now,
		"error":     string(jobs.FailCancelled),
	}); err != nil {
		r.logger.Error(err).LogActivity("Cancel finalize failed", map[string]any{"jobId": job.ID})
		return
	}
	prev := jobs.StatusCancelling
	job.Status = jobs.StatusCancelled
	r.releaseJob(ctx, job)
	r.logger.Info().LogActivity("Job cancelled", map[string]any{
		"jobId":    job.ID,
		"workerId": r.caps.WorkerID,
	})
	r.emitJobStatus(job, prev)
}

// releaseJob drops the job from the worker's active set and returns the
// worker to idle once nothing else is running.
func (r *Runtime) releaseJob(ctx context.Context, job *jobs.Job) {
	r.store.Redis.HDel(ctx, jobs.ActiveJobsKey(r.caps.WorkerID), job.ID)
	r.setWorkerIdleIfDrained(ctx)
}

func (r *Runtime) setWorkerIdleIfDrained(ctx context.Context) {
	r.mu.Lock()
	drained := len(r.running) <= 1 // the caller is still tracked
	r.mu.Unlock()
	if drained {
		if err := r.store.ClearWorkerJob(ctx, r.caps.WorkerID); err != nil {
			r.logger.Warn().LogActivity("Worker idle transition failed", map[string]any{
				"workerId": r.caps.WorkerID,
				"error":    err.Error(),
			})
		}
	}
}

func (r *Runtime) emitJobStatus(job *jobs.Job, prev jobs.JobStatus) {
	r.emitter.Emit(jobs.Event{
		ID:        uuid.New().String(),
		Type:      jobs.EventJobStatusChanged,
		Timestamp: jobs.NowMillis(),
		JobID:     job.ID,
		WorkerID:  r.caps.WorkerID,
		JobType:   job.ServiceRequired,
		Priority:  job.EffectivePriority,
		Data:      map[string]any{"status": string(job.Status), "previous_status": string(prev)},
	})
}

func (r *Runtime) emitJobFailed(job *jobs.Job, kind jobs.FailureKind, execErr error, willRetry bool) {
	r.emitter.Emit(jobs.Event{
		ID:        uuid.New().String(),
		Type:      jobs.EventJobFailed,
		Timestamp: jobs.NowMillis(),
		JobID:     job.ID,
		WorkerID:  r.caps.WorkerID,
		JobType:   job.ServiceRequired,
		Priority:  job.EffectivePriority,
		Data: map[string]any{
			"failure_kind": string(kind),
			"error":        execErr.Error(),
			"will_retry":   willRetry,
			"retry_count":  job.RetryCount,
		},
	})
}
