package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/jobs"
)

// Config tunes the broadcaster. Zero fields take defaults.
type Config struct {
	HistorySize       int
	MonitorQueueSize  int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StatsInterval     time.Duration
}

const (
	DefaultMonitorQueueSize  = 256
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStatsInterval     = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.MonitorQueueSize == 0 {
		c.MonitorQueueSize = DefaultMonitorQueueSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = DefaultStatsInterval
	}
}

// Hub fans lifecycle events out to connected monitors, keeps the bounded
// replay history, and answers snapshot requests. It implements
// jobs.EventEmitter so hub-side components plug straight into it; events
// from worker processes arrive over the Redis bridge.
type Hub struct {
	store  *jobs.Store
	logger *logharbour.Logger
	ring   *Ring
	cfg    Config

	mu       sync.RWMutex
	monitors map[string]*Monitor
}

// New creates a Hub over the given store.
func New(store *jobs.Store, logger *logharbour.Logger, cfg Config) *Hub {
	if logger == nil {
		panic("logger cannot be nil")
	}
	cfg.applyDefaults()
	return &Hub{
		store:    store,
		logger:   logger,
		ring:     NewRing(cfg.HistorySize),
		cfg:      cfg,
		monitors: make(map[string]*Monitor),
	}
}

// Emit records the event in the history ring and fans it out. A monitor
// whose queue is full is disconnected: a slow consumer must not stall the
// broadcast or grow memory without bound.
func (h *Hub) Emit(ev jobs.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = jobs.NowMillis()
	}
	h.ring.Append(ev)

	var evict []string
	h.mu.RLock()
	for id, m := range h.monitors {
		if !m.Wants(ev) {
			continue
		}
		select {
		case m.send <- ev:
		default:
			evict = append(evict, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range evict {
		h.logger.Warn().LogActivity("Disconnecting slow monitor", map[string]any{
			"monitorId": id,
		})
		h.Disconnect(id)
	}
}

// Register adds a monitor and returns it. The caller reads events from
// Monitor.send until Monitor.done closes.
func (h *Hub) Register() *Monitor {
	m := newMonitor(uuid.New().String(), h.cfg.MonitorQueueSize)
	h.mu.Lock()
	h.monitors[m.ID] = m
	h.mu.Unlock()
	h.logger.Info().LogActivity("Monitor connected", map[string]any{"monitorId": m.ID})
	return m
}

// Subscribe replaces a monitor's topics and filters.
func (h *Hub) Subscribe(monitorID string, topics []string, filters Filters) {
	h.mu.Lock()
	if m, ok := h.monitors[monitorID]; ok {
		m.Subscribe(topics, filters)
	}
	h.mu.Unlock()
}

// Heartbeat refreshes a monitor's liveness and returns whether it is known.
func (h *Hub) Heartbeat(monitorID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.monitors[monitorID]
	if ok {
		m.lastHeartbeat = jobs.NowMillis()
	}
	return ok
}

// Disconnect removes a monitor and closes its done channel.
func (h *Hub) Disconnect(monitorID string) {
	h.mu.Lock()
	m, ok := h.monitors[monitorID]
	if ok {
		delete(h.monitors, monitorID)
	}
	h.mu.Unlock()
	if ok {
		close(m.done)
		h.logger.Info().LogActivity("Monitor disconnected", map[string]any{"monitorId": monitorID})
	}
}

// MonitorCount returns the number of connected monitors.
func (h *Hub) MonitorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.monitors)
}

// Resync replays retained events newer than since, up to max.
func (h *Hub) Resync(since int64, max int) (events []jobs.Event, hasMore bool, oldest int64) {
	return h.ring.Since(since, max)
}

// Snapshot is the full current state answer for request_snapshot: jobs
// bucketed by status plus every worker record.
type Snapshot struct {
	Jobs      map[string][]*jobs.Job `json:"jobs"`
	Workers   []*jobs.Worker         `json:"workers"`
	Stats     *jobs.SystemStats      `json:"stats"`
	Timestamp int64                  `json:"timestamp"`
}

// Snapshot assembles the current-state document.
func (h *Hub) Snapshot(ctx context.Context) (*Snapshot, error) {
	all, err := h.store.ListJobs(ctx, "", 500)
	if err != nil {
		return nil, err
	}
	buckets := make(map[string][]*jobs.Job)
	for _, j := range all {
		buckets[string(j.Status)] = append(buckets[string(j.Status)], j)
	}
	workers, err := h.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := h.store.CollectStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Jobs:      buckets,
		Workers:   workers,
		Stats:     stats,
		Timestamp: jobs.NowMillis(),
	}, nil
}

// Run drives the periodic work: the heartbeat sweep dropping silent
// monitors and the system_stats emission. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.cfg.HeartbeatInterval)
	defer sweep.Stop()
	stats := time.NewTicker(h.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			h.sweepMonitors()
		case <-stats.C:
			h.emitStats(ctx)
		}
	}
}

func (h *Hub) sweepMonitors() {
	cutoff := jobs.NowMillis() - h.cfg.HeartbeatTimeout.Milliseconds()
	var stale []string
	h.mu.RLock()
	for id, m := range h.monitors {
		if m.lastHeartbeat < cutoff {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		h.logger.Warn().LogActivity("Dropping silent monitor", map[string]any{"monitorId": id})
		h.Disconnect(id)
	}
}

func (h *Hub) emitStats(ctx context.Context) {
	stats, err := h.store.CollectStats(ctx)
	if err != nil {
		h.logger.Error(err).LogActivity("Stats collection failed", nil)
		return
	}
	h.Emit(jobs.Event{
		Type:      jobs.EventSystemStats,
		Timestamp: stats.Timestamp,
		Data: map[string]any{
			"pending_jobs":     stats.PendingJobs,
			"completed_total":  stats.CompletedTotal,
			"failed_total":     stats.FailedTotal,
			"workers_by_state": stats.WorkersByState,
		},
	})
}

// RunEventBridge consumes the Redis lifecycle channel and rebroadcasts
// everything through the hub, so events emitted in worker processes reach
// local monitors. Blocks until ctx is cancelled.
func (h *Hub) RunEventBridge(ctx context.Context) {
	pubsub := h.store.SubscribeEvents(ctx)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev jobs.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Warn().LogActivity("Dropping malformed bridged event", nil)
				continue
			}
			h.Emit(ev)
		}
	}
}
