package hub

import (
	"github.com/remiges-tech/loom/jobs"
)

// Filters narrow a monitor's subscription beyond topics. Empty fields do
// not filter.
type Filters struct {
	JobTypes    []string `json:"job_types,omitempty"`
	WorkerIDs   []string `json:"worker_ids,omitempty"`
	PriorityMin *int     `json:"priority_min,omitempty"`
	PriorityMax *int     `json:"priority_max,omitempty"`
}

// Monitor is one connected observer. The send channel is bounded; the hub
// disconnects a monitor whose channel is full rather than block the
// broadcast path.
type Monitor struct {
	ID            string
	topics        map[string]bool
	filters       Filters
	send          chan jobs.Event
	done          chan struct{}
	lastHeartbeat int64
}

func newMonitor(id string, queueSize int) *Monitor {
	return &Monitor{
		ID:            id,
		topics:        make(map[string]bool),
		send:          make(chan jobs.Event, queueSize),
		done:          make(chan struct{}),
		lastHeartbeat: jobs.NowMillis(),
	}
}

// Subscribe replaces the monitor's topics and filters.
func (m *Monitor) Subscribe(topics []string, filters Filters) {
	fresh := make(map[string]bool, len(topics))
	for _, t := range topics {
		fresh[t] = true
	}
	m.topics = fresh
	m.filters = filters
}

// Wants reports whether the event passes the monitor's topics and filters.
func (m *Monitor) Wants(ev jobs.Event) bool {
	subscribed := false
	for _, topic := range ev.Topics() {
		if m.topics[topic] {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	f := m.filters
	if len(f.JobTypes) > 0 && ev.JobType != "" && !containsString(f.JobTypes, ev.JobType) {
		return false
	}
	if len(f.WorkerIDs) > 0 && ev.WorkerID != "" && !containsString(f.WorkerIDs, ev.WorkerID) {
		return false
	}
	if f.PriorityMin != nil && ev.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && ev.Priority > *f.PriorityMax {
		return false
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
