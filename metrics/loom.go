package metrics

import (
	"context"
	"time"

	"github.com/remiges-tech/loom/jobs"
)

// Metric names exported by the hub.
const (
	JobsPending        = "loom_jobs_pending"
	JobsCompletedTotal = "loom_jobs_completed_total"
	JobsFailedTotal    = "loom_jobs_failed_total"
	WorkersByState     = "loom_workers_by_state"
	HTTPRequestsTotal  = "loom_http_requests_total"
	EventsEmittedTotal = "loom_events_emitted_total"
)

// RegisterHubMetrics registers the hub's metric set on m.
func RegisterHubMetrics(m Metrics) {
	m.Register(JobsPending, "Gauge", "Jobs waiting in the pending index")
	m.Register(JobsCompletedTotal, "Gauge", "Jobs completed since the counters were created")
	m.Register(JobsFailedTotal, "Gauge", "Jobs permanently failed since the counters were created")
	m.RegisterWithLabels(WorkersByState, "Gauge", "Workers in the registry by lifecycle state", []string{"state"})
	m.RegisterWithLabels(HTTPRequestsTotal, "Counter", "API requests by method, route and status", []string{"method", "route", "status"})
	m.RegisterWithLabels(EventsEmittedTotal, "Counter", "Lifecycle events broadcast by type", []string{"type"})
}

// Sampler periodically projects system statistics from the data plane onto
// the gauge set. Counters derived from Redis are exported as gauges because
// the source is already cumulative.
type Sampler struct {
	Store    *jobs.Store
	Metrics  Metrics
	Interval time.Duration
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	interval := s.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	stats, err := s.Store.CollectStats(ctx)
	if err != nil {
		return
	}
	s.Metrics.Record(JobsPending, float64(stats.PendingJobs))
	s.Metrics.Record(JobsCompletedTotal, float64(stats.CompletedTotal))
	s.Metrics.Record(JobsFailedTotal, float64(stats.FailedTotal))
	for _, state := range []jobs.WorkerStatus{jobs.WorkerIdle, jobs.WorkerBusy, jobs.WorkerOffline, jobs.WorkerError} {
		s.Metrics.RecordWithLabels(WorkersByState, float64(stats.WorkersByState[state]),
			map[string]string{"state": string(state)})
	}
}
