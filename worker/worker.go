package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/objstore"
)

// Config tunes the worker runtime. Zero fields take the defaults below.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ProgressThrottle  time.Duration
	MaxScan           int

	// ResultInlineLimit is the largest result, in bytes, stored inline on
	// the job record. Bigger results are offloaded to the object store and
	// referenced by result_ref.
	ResultInlineLimit int
	ResultBucket      string
}

const (
	DefaultPollInterval      = 1 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultProgressThrottle  = 100 * time.Millisecond
	DefaultResultInlineLimit = 64 * 1024
	DefaultResultBucket      = "job-results"
)

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ProgressThrottle == 0 {
		c.ProgressThrottle = DefaultProgressThrottle
	}
	if c.MaxScan == 0 {
		c.MaxScan = jobs.DefaultMaxScan
	}
	if c.ResultInlineLimit == 0 {
		c.ResultInlineLimit = DefaultResultInlineLimit
	}
	if c.ResultBucket == "" {
		c.ResultBucket = DefaultResultBucket
	}
}

// Runtime is one worker process: it polls the matcher for jobs its
// capabilities satisfy, executes them through the registered connectors,
// heartbeats, and reacts to control messages.
type Runtime struct {
	store     *jobs.Store
	submitter *jobs.Submitter
	attestor  *jobs.Attestor
	emitter   jobs.EventEmitter
	registry  *Registry
	objStore  objstore.ObjectStore
	logger    *logharbour.Logger
	caps      jobs.WorkerCapabilities
	cfg       Config

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningJob
}

type runningJob struct {
	job    *jobs.Job
	cancel context.CancelFunc
}

// New creates a worker runtime. The emitter may be nil; the object store may
// be nil when result offload is not configured.
func New(store *jobs.Store, caps jobs.WorkerCapabilities, registry *Registry, objStore objstore.ObjectStore, emitter jobs.EventEmitter, logger *logharbour.Logger, cfg Config) *Runtime {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if emitter == nil {
		emitter = jobs.NopEmitter{}
	}
	cfg.applyDefaults()
	if caps.WorkerID == "" {
		caps.WorkerID = uuid.New().String()
	}
	if caps.MaxConcurrent <= 0 {
		caps.MaxConcurrent = 1
	}
	caps.Services = registry.Services()

	return &Runtime{
		store:     store,
		submitter: jobs.NewSubmitter(store, emitter, logger),
		attestor:  jobs.NewAttestor(store, 0),
		emitter:   emitter,
		registry:  registry,
		objStore:  objStore,
		logger:    logger,
		caps:      caps,
		cfg:       cfg,
		sem:       make(chan struct{}, caps.MaxConcurrent),
		stopCh:    make(chan struct{}),
		running:   make(map[string]*runningJob),
	}
}

// WorkerID returns the runtime's worker id.
func (r *Runtime) WorkerID() string { return r.caps.WorkerID }

// Start probes every connector, registers the worker and runs the poll,
// heartbeat and control loops until the context is cancelled or Stop is
// called. Start blocks.
func (r *Runtime) Start(ctx context.Context) error {
	for _, svc := range r.registry.Services() {
		conn, _ := r.registry.Lookup(svc)
		if err := conn.Probe(ctx); err != nil {
			return err
		}
	}

	now := jobs.NowMillis()
	w := &jobs.Worker{
		WorkerCapabilities: r.caps,
		Status:             jobs.WorkerIdle,
		ConnectedAt:        now,
		LastHeartbeat:      now,
	}
	if err := r.store.RegisterWorker(ctx, w); err != nil {
		return err
	}
	r.logger.Info().LogActivity("Worker registered", map[string]any{
		"workerId":      r.caps.WorkerID,
		"machineId":     r.caps.MachineID,
		"services":      r.caps.Services,
		"maxConcurrent": r.caps.MaxConcurrent,
	})
	r.emitter.Emit(jobs.Event{
		ID:        uuid.New().String(),
		Type:      jobs.EventWorkerConnected,
		Timestamp: now,
		WorkerID:  r.caps.WorkerID,
		MachineID: r.caps.MachineID,
		Data:      map[string]any{"services": r.caps.Services},
	})

	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.controlLoop(ctx)

	r.pollLoop(ctx)
	r.wg.Wait()
	return nil
}

// pollLoop asks the matcher for work whenever a slot is free. The sleep is
// jittered so a fleet of workers does not poll in lockstep.
func (r *Runtime) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case r.sem <- struct{}{}:
		}

		job, err := r.store.FindAndClaim(ctx, &r.caps, r.cfg.MaxScan)
		if err != nil {
			r.logger.Error(err).LogActivity("Matcher poll failed", map[string]any{
				"workerId": r.caps.WorkerID,
			})
		}
		if job == nil {
			<-r.sem
			r.sleep(ctx)
			continue
		}

		r.wg.Add(1)
		go func(job *jobs.Job) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.execute(ctx, job)
		}(job)
	}
}

func (r *Runtime) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(r.cfg.PollInterval) / 4))
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	case <-time.After(r.cfg.PollInterval + jitter):
	}
}

// controlLoop consumes the worker's control channel: cancel_job cancels the
// named running job, sync_job_state re-broadcasts job records.
func (r *Runtime) controlLoop(ctx context.Context) {
	defer r.wg.Done()
	pubsub := r.store.SubscribeControl(ctx, r.caps.WorkerID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ctrl struct {
				Type  string `json:"type"`
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &ctrl); err != nil {
				r.logger.Warn().LogActivity("Dropping malformed control message", map[string]any{
					"workerId": r.caps.WorkerID,
				})
				continue
			}
			switch ctrl.Type {
			case "cancel_job":
				r.cancelRunning(ctrl.JobID)
			case "sync_job_state":
				if err := r.submitter.SyncJobState(ctx, ctrl.JobID); err != nil {
					r.logger.Warn().LogActivity("Job state sync failed", map[string]any{
						"jobId": ctrl.JobID,
						"error": err.Error(),
					})
				}
			default:
				r.logger.Debug0().LogActivity("Ignoring unknown control message", map[string]any{
					"type": ctrl.Type,
				})
			}
		}
	}
}

func (r *Runtime) cancelRunning(jobID string) {
	r.mu.Lock()
	rj, ok := r.running[jobID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug0().LogActivity("Cancel for job not running here", map[string]any{
			"jobId":    jobID,
			"workerId": r.caps.WorkerID,
		})
		return
	}
	r.logger.Info().LogActivity("Cancelling job on request", map[string]any{
		"jobId":    jobID,
		"workerId": r.caps.WorkerID,
	})
	if conn, ok := r.registry.Lookup(rj.job.ServiceRequired); ok {
		if err := conn.Cancel(context.Background(), jobID); err != nil {
			r.logger.Warn().LogActivity("Connector cancel failed", map[string]any{
				"jobId": jobID,
				"error": err.Error(),
			})
		}
	}
	rj.cancel()
}

func (r *Runtime) trackRunning(job *jobs.Job, cancel context.CancelFunc) {
	r.mu.Lock()
	r.running[job.ID] = &runningJob{job: job, cancel: cancel}
	r.mu.Unlock()
}

func (r *Runtime) untrackRunning(jobID string) {
	r.mu.Lock()
	delete(r.running, jobID)
	r.mu.Unlock()
}

// Stop performs a graceful shutdown: stop claiming, cancel in-flight jobs,
// attest the interruption, return the jobs to the pending index, and
// deregister. Interrupted jobs carry a shutdown attestation so forensics can
// distinguish an orderly drain from a crash.
func (r *Runtime) Stop(ctx context.Context, reason string) {
	select {
	case <-r.stopCh:
		return
	default:
		close(r.stopCh)
	}

	r.mu.Lock()
	inflight := make([]*runningJob, 0, len(r.running))
	for _, rj := range r.running {
		inflight = append(inflight, rj)
	}
	r.mu.Unlock()

	for _, rj := range inflight {
		rj.cancel()
		job, err := r.store.GetJob(ctx, rj.job.ID)
		if err != nil {
			continue
		}
		if job.Status.Terminal() || job.Status == jobs.StatusPending {
			continue
		}
		if err := r.attestor.RecordShutdown(ctx, job, reason); err != nil {
			r.logger.Error(err).LogActivity("Failed to write shutdown attestation", map[string]any{
				"jobId": job.ID,
			})
		}
		if err := r.submitter.Requeue(ctx, job); err != nil {
			r.logger.Error(err).LogActivity("Failed to requeue job on shutdown", map[string]any{
				"jobId": job.ID,
			})
		}
	}

	if err := r.store.DeregisterWorker(ctx, r.caps.WorkerID); err != nil {
		r.logger.Error(err).LogActivity("Worker deregistration failed", map[string]any{
			"workerId": r.caps.WorkerID,
		})
	}
	r.emitter.Emit(jobs.Event{
		ID:        uuid.New().String(),
		Type:      jobs.EventWorkerDisconnected,
		Timestamp: jobs.NowMillis(),
		WorkerID:  r.caps.WorkerID,
		MachineID: r.caps.MachineID,
		Data:      map[string]any{"reason": reason},
	})
	r.logger.Info().LogActivity("Worker stopped", map[string]any{
		"workerId": r.caps.WorkerID,
		"reason":   reason,
	})
}
