package hub

import (
	"sync"

	"github.com/remiges-tech/loom/jobs"
)

// DefaultHistorySize is the default event ring capacity.
const DefaultHistorySize = 1000

// Ring is a bounded in-memory event history. Monitors that reconnect replay
// missed events from it; events older than the window are gone, which the
// replay answer reports through hasMore and the oldest watermark.
type Ring struct {
	mu   sync.Mutex
	buf  []jobs.Event
	next int
	full bool
}

// NewRing creates a ring holding up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Ring{buf: make([]jobs.Event, capacity)}
}

// Append records one event, evicting the oldest when full.
func (r *Ring) Append(ev jobs.Event) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns the retained events oldest-first.
func (r *Ring) snapshot() []jobs.Event {
	if !r.full {
		return append([]jobs.Event(nil), r.buf[:r.next]...)
	}
	out := make([]jobs.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Since returns up to max retained events with a timestamp strictly after
// since, oldest first. hasMore reports that the answer is incomplete --
// either truncated by max or because events past the window were evicted.
// oldest is the timestamp of the oldest retained event (zero when empty),
// which tells the caller how far back the ring can vouch for.
func (r *Ring) Since(since int64, max int) (events []jobs.Event, hasMore bool, oldest int64) {
	r.mu.Lock()
	all := r.snapshot()
	full := r.full
	r.mu.Unlock()

	if len(all) == 0 {
		return nil, false, 0
	}
	oldest = all[0].Timestamp

	// A full ring has evicted events; if the caller asks from before the
	// oldest retained entry, the answer cannot be complete.
	if full && since < oldest {
		hasMore = true
	}

	for _, ev := range all {
		if ev.Timestamp <= since {
			continue
		}
		if max > 0 && len(events) >= max {
			hasMore = true
			break
		}
		events = append(events, ev)
	}
	return events, hasMore, oldest
}
