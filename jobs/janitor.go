package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Janitor defaults. The stale threshold is deliberately configuration, not
// a constant: parts of the fleet run heartbeats at different cadences.
const (
	DefaultStaleThreshold  = 60 * time.Second
	DefaultWarnThreshold   = 30 * time.Second
	DefaultJanitorInterval = 15 * time.Second

	// DefaultUnworkableAge is how long a pending job may sit with no
	// registered worker offering its service before it is parked as
	// unworkable.
	DefaultUnworkableAge = 10 * time.Minute
)

// JanitorConfig tunes the liveness sweeps.
type JanitorConfig struct {
	StaleThreshold time.Duration
	WarnThreshold  time.Duration
	Interval       time.Duration
	UnworkableAge  time.Duration
}

// Janitor is the hub-side liveness reaper. It marks workers offline when
// their heartbeat lapses, returns their in-flight jobs to the pending
// index, and parks pending jobs no registered worker can ever serve.
type Janitor struct {
	store    *Store
	submit   *Submitter
	attestor *Attestor
	emitter  EventEmitter
	logger   *logharbour.Logger
	cfg      JanitorConfig

	warned map[string]bool // workers already warned this lapse
}

// NewJanitor creates a Janitor. Zero config fields take defaults.
func NewJanitor(store *Store, submit *Submitter, attestor *Attestor, emitter EventEmitter, logger *logharbour.Logger, cfg JanitorConfig) *Janitor {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.WarnThreshold == 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultJanitorInterval
	}
	if cfg.UnworkableAge == 0 {
		cfg.UnworkableAge = DefaultUnworkableAge
	}
	return &Janitor{
		store:    store,
		submit:   submit,
		attestor: attestor,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg,
		warned:   make(map[string]bool),
	}
}

// Run executes the sweep loop until the context is cancelled.
func (jn *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(jn.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jn.SweepWorkers(ctx); err != nil {
				jn.logger.Error(err).LogActivity("Worker sweep failed", nil)
			}
			if err := jn.SweepUnworkable(ctx); err != nil {
				jn.logger.Error(err).LogActivity("Unworkable sweep failed", nil)
			}
		}
	}
}

// SweepWorkers checks every registered worker's heartbeat. Workers silent
// past the warn threshold are logged; past the stale threshold they are
// marked offline and their assigned jobs requeued with an incremented
// retry count and a worker_crash attestation.
func (jn *Janitor) SweepWorkers(ctx context.Context) error {
	workers, err := jn.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	now := NowMillis()
	for _, w := range workers {
		if w.Status == WorkerOffline {
			continue
		}
		silence := time.Duration(now-w.LastHeartbeat) * time.Millisecond
		switch {
		case silence > jn.cfg.StaleThreshold:
			jn.reapWorker(ctx, w)
			delete(jn.warned, w.WorkerID)
		case silence > jn.cfg.WarnThreshold:
			if !jn.warned[w.WorkerID] {
				jn.warned[w.WorkerID] = true
				jn.logger.Warn().LogActivity("Worker heartbeat lapsing", map[string]any{
					"workerId":  w.WorkerID,
					"silenceMs": silence.Milliseconds(),
				})
			}
		default:
			delete(jn.warned, w.WorkerID)
		}
	}
	return nil
}

// reapWorker marks one worker offline and requeues everything it owned.
func (jn *Janitor) reapWorker(ctx context.Context, w *Worker) {
	jn.logger.Warn().LogActivity("Marking stale worker offline", map[string]any{
		"workerId":      w.WorkerID,
		"lastHeartbeat": w.LastHeartbeat,
	})
	if err := jn.store.DeregisterWorker(ctx, w.WorkerID); err != nil {
		jn.logger.Error(err).LogActivity("Failed to deregister stale worker", map[string]any{
			"workerId": w.WorkerID,
		})
		return
	}
	jn.emitter.Emit(Event{
		ID:        uuid.New().String(),
		Type:      EventWorkerDisconnected,
		Timestamp: NowMillis(),
		WorkerID:  w.WorkerID,
		MachineID: w.MachineID,
		Data:      map[string]any{"reason": "heartbeat_lapse"},
	})

	ids, err := jn.store.Redis.HKeys(ctx, ActiveJobsKey(w.WorkerID)).Result()
	if err != nil {
		jn.logger.Error(err).LogActivity("Failed to list active jobs of stale worker", map[string]any{
			"workerId": w.WorkerID,
		})
		return
	}
	for _, jobID := range ids {
		job, err := jn.store.GetJob(ctx, jobID)
		if err != nil {
			jn.store.Redis.HDel(ctx, ActiveJobsKey(w.WorkerID), jobID)
			continue
		}
		if job.Status != StatusAssigned && job.Status != StatusActive && job.Status != StatusCancelling {
			jn.store.Redis.HDel(ctx, ActiveJobsKey(w.WorkerID), jobID)
			continue
		}
		if err := jn.attestor.RecordRetry(ctx, job, FailWorkerCrash, "worker heartbeat lapsed mid-job"); err != nil {
			jn.logger.Error(err).LogActivity("Failed to write crash attestation", map[string]any{
				"jobId": jobID,
			})
		}
		if err := jn.submit.Requeue(ctx, job); err != nil {
			jn.logger.Error(err).LogActivity("Failed to requeue job from stale worker", map[string]any{
				"jobId":    jobID,
				"workerId": w.WorkerID,
			})
			continue
		}
		jn.logger.Info().LogActivity("Requeued job from stale worker", map[string]any{
			"jobId":      jobID,
			"workerId":   w.WorkerID,
			"retryCount": job.RetryCount,
		})
	}
}

// SweepUnworkable parks pending jobs older than the configured age whose
// service no registered worker offers. Parking is service-level only; a
// job that merely exceeds every worker's hardware today stays pending,
// because capacity can join at any time.
func (jn *Janitor) SweepUnworkable(ctx context.Context) error {
	workers, err := jn.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	offered := make(map[string]bool)
	for _, w := range workers {
		if w.Status == WorkerOffline {
			continue
		}
		for _, svc := range w.Services {
			offered[svc] = true
		}
	}

	ids, err := jn.store.Redis.ZRange(ctx, PendingKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	cutoff := NowMillis() - jn.cfg.UnworkableAge.Milliseconds()
	for _, jobID := range ids {
		job, err := jn.store.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		if job.CreatedAt > cutoff || offered[job.ServiceRequired] {
			continue
		}
		removed, err := jn.store.RemovePending(ctx, jobID)
		if err != nil || !removed {
			continue
		}
		if err := jn.store.SetJobFields(ctx, jobID, map[string]any{
			"status": string(StatusUnworkable),
			"error":  "no registered worker offers service " + job.ServiceRequired,
		}); err != nil {
			jn.logger.Error(err).LogActivity("Failed to park unworkable job", map[string]any{
				"jobId": jobID,
			})
			continue
		}
		jn.logger.Warn().LogActivity("Parked unworkable job", map[string]any{
			"jobId":   jobID,
			"service": job.ServiceRequired,
		})
		jn.emitter.Emit(Event{
			ID:        uuid.New().String(),
			Type:      EventJobStatusChanged,
			Timestamp: NowMillis(),
			JobID:     jobID,
			JobType:   job.ServiceRequired,
			Data:      map[string]any{"status": string(StatusUnworkable), "previous_status": string(StatusPending)},
		})
	}
	return nil
}
