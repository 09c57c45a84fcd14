package jobs

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Lifecycle event types emitted by the data plane. The hub broadcaster and
// the webhook engine both consume these; monitors and webhook receivers see
// the same type strings on the wire.
const (
	EventWorkerConnected     = "worker_connected"
	EventWorkerDisconnected  = "worker_disconnected"
	EventWorkerStatusChanged = "worker_status_changed"
	EventJobSubmitted        = "job_submitted"
	EventJobAssigned         = "job_assigned"
	EventJobStatusChanged    = "job_status_changed"
	EventJobProgress         = "update_job_progress"
	EventJobCompleted        = "complete_job"
	EventJobFailed           = "job_failed"
	EventSystemStats         = "system_stats"
	EventHeartbeatAck        = "heartbeat_ack"
)

// Topic names monitors can subscribe to.
const (
	TopicWorkers     = "workers"
	TopicJobs        = "jobs"
	TopicJobStatus   = "jobs:status"
	TopicJobProgress = "jobs:progress"
	TopicSystemStats = "system_stats"
	TopicHeartbeat   = "heartbeat"
)

// Event is one lifecycle event. Timestamp is unix milliseconds assigned by
// the emitter; within one job, events are emitted in transition order.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	JobID     string         `json:"job_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	MachineID string         `json:"machine_id,omitempty"`
	JobType   string         `json:"job_type,omitempty"` // service_required of the job
	Priority  int            `json:"priority,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Topics returns the subscription topics the event belongs to. An event is
// delivered to a monitor iff this set intersects the monitor's topics.
func (e Event) Topics() []string {
	switch e.Type {
	case EventWorkerConnected, EventWorkerDisconnected, EventWorkerStatusChanged:
		return []string{TopicWorkers}
	case EventJobProgress:
		return []string{TopicJobs, TopicJobProgress}
	case EventJobSubmitted, EventJobAssigned, EventJobStatusChanged,
		EventJobCompleted, EventJobFailed:
		return []string{TopicJobs, TopicJobStatus}
	case EventSystemStats:
		return []string{TopicSystemStats}
	case EventHeartbeatAck:
		return []string{TopicHeartbeat}
	}
	return nil
}

// EventEmitter receives lifecycle events from the data plane. Emit must
// never block the caller; implementations queue or drop.
type EventEmitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to the EventEmitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// MultiEmitter fans one event out to several emitters in order.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}

// NopEmitter discards events. Used where a component is wired without a hub,
// e.g. in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// RedisEmitter publishes events onto the lifecycle pub/sub channel. Worker
// processes use it so their events reach the hub broadcaster; delivery is
// best-effort like any pub/sub.
type RedisEmitter struct {
	Store *Store
}

func (r RedisEmitter) Emit(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.Store.Redis.Publish(context.Background(), EventsChannel(), string(b)).Err(); err != nil {
		r.Store.Logger.Debug0().LogActivity("Event publish failed", map[string]any{
			"type":  ev.Type,
			"error": err.Error(),
		})
	}
}

// SubscribeEvents subscribes to the lifecycle event channel. The caller owns
// the returned PubSub and must Close it.
func (s *Store) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return s.Redis.Subscribe(ctx, EventsChannel())
}
