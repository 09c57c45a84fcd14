package hub

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, *jobs.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	store := jobs.NewStore(redisClient, logger)
	return New(store, logger, cfg), store
}

func eventAt(ts int64, typ string) jobs.Event {
	return jobs.Event{Type: typ, Timestamp: ts, JobID: fmt.Sprintf("j-%d", ts)}
}

func TestRingReplay(t *testing.T) {
	t.Run("since replays everything newer, oldest first", func(t *testing.T) {
		r := NewRing(10)
		for ts := int64(1); ts <= 5; ts++ {
			r.Append(eventAt(ts, jobs.EventJobSubmitted))
		}
		events, hasMore, oldest := r.Since(2, 0)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Timestamp)
		assert.Equal(t, int64(5), events[2].Timestamp)
		assert.False(t, hasMore)
		assert.Equal(t, int64(1), oldest)
	})

	t.Run("max truncation reports has_more", func(t *testing.T) {
		r := NewRing(10)
		for ts := int64(1); ts <= 5; ts++ {
			r.Append(eventAt(ts, jobs.EventJobSubmitted))
		}
		events, hasMore, _ := r.Since(0, 2)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Timestamp)
		assert.True(t, hasMore)
	})

	t.Run("eviction reports has_more and the oldest watermark", func(t *testing.T) {
		r := NewRing(3)
		for ts := int64(1); ts <= 6; ts++ {
			r.Append(eventAt(ts, jobs.EventJobSubmitted))
		}
		events, hasMore, oldest := r.Since(0, 0)
		require.Len(t, events, 3)
		assert.Equal(t, int64(4), events[0].Timestamp)
		assert.True(t, hasMore, "events 1-3 were evicted")
		assert.Equal(t, int64(4), oldest)
	})

	t.Run("empty ring", func(t *testing.T) {
		r := NewRing(3)
		events, hasMore, oldest := r.Since(0, 0)
		assert.Empty(t, events)
		assert.False(t, hasMore)
		assert.Zero(t, oldest)
	})
}

func TestMonitorWants(t *testing.T) {
	m := newMonitor("m1", 8)
	m.Subscribe([]string{jobs.TopicJobStatus}, Filters{})

	assert.True(t, m.Wants(jobs.Event{Type: jobs.EventJobStatusChanged}))
	assert.True(t, m.Wants(jobs.Event{Type: jobs.EventJobSubmitted}))
	assert.False(t, m.Wants(jobs.Event{Type: jobs.EventJobProgress}), "progress is not on the status topic")
	assert.False(t, m.Wants(jobs.Event{Type: jobs.EventWorkerConnected}))

	min, max := 3, 7
	m.Subscribe([]string{jobs.TopicJobs}, Filters{
		JobTypes:    []string{"llm"},
		WorkerIDs:   []string{"w1"},
		PriorityMin: &min,
		PriorityMax: &max,
	})
	ok := jobs.Event{Type: jobs.EventJobCompleted, JobType: "llm", WorkerID: "w1", Priority: 5}
	assert.True(t, m.Wants(ok))

	wrongType := ok
	wrongType.JobType = "image_generation"
	assert.False(t, m.Wants(wrongType))

	wrongWorker := ok
	wrongWorker.WorkerID = "w2"
	assert.False(t, m.Wants(wrongWorker))

	tooLow := ok
	tooLow.Priority = 1
	assert.False(t, m.Wants(tooLow))

	tooHigh := ok
	tooHigh.Priority = 9
	assert.False(t, m.Wants(tooHigh))
}

func TestHubFanout(t *testing.T) {
	h, _ := newTestHub(t, Config{MonitorQueueSize: 4})

	m1 := h.Register()
	h.Subscribe(m1.ID, []string{jobs.TopicJobs}, Filters{})
	m2 := h.Register()
	h.Subscribe(m2.ID, []string{jobs.TopicWorkers}, Filters{})

	h.Emit(jobs.Event{Type: jobs.EventJobSubmitted, JobID: "j1"})

	select {
	case ev := <-m1.send:
		assert.Equal(t, "j1", ev.JobID)
		assert.NotEmpty(t, ev.ID, "hub assigns event ids")
		assert.NotZero(t, ev.Timestamp)
	default:
		t.Fatal("subscribed monitor did not receive the event")
	}
	select {
	case <-m2.send:
		t.Fatal("worker-topic monitor must not see job events")
	default:
	}
}

func TestHubDropsSlowMonitor(t *testing.T) {
	h, _ := newTestHub(t, Config{MonitorQueueSize: 2})

	m := h.Register()
	h.Subscribe(m.ID, []string{jobs.TopicJobs}, Filters{})

	// Fill the queue, then one more: the monitor must be evicted, the
	// broadcast path never blocks.
	for i := 0; i < 3; i++ {
		h.Emit(jobs.Event{Type: jobs.EventJobSubmitted, JobID: fmt.Sprintf("j%d", i)})
	}

	assert.Equal(t, 0, h.MonitorCount())
	select {
	case <-m.done:
	default:
		t.Fatal("evicted monitor's done channel not closed")
	}
}

func TestHubHeartbeatSweep(t *testing.T) {
	h, _ := newTestHub(t, Config{HeartbeatTimeout: 10 * time.Millisecond})

	m := h.Register()
	m.lastHeartbeat = jobs.NowMillis() - 1000

	h.sweepMonitors()
	assert.Equal(t, 0, h.MonitorCount())

	// A heartbeating monitor survives.
	m2 := h.Register()
	require.True(t, h.Heartbeat(m2.ID))
	h.sweepMonitors()
	assert.Equal(t, 1, h.MonitorCount())
}

func TestHubSnapshot(t *testing.T) {
	h, store := newTestHub(t, Config{})
	ctx := context.Background()
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	sb := jobs.NewSubmitter(store, h, logger)

	_, err := sb.Submit(ctx, &jobs.JobSpec{ServiceRequired: "llm"})
	require.NoError(t, err)
	done, err := sb.Submit(ctx, &jobs.JobSpec{ServiceRequired: "llm"})
	require.NoError(t, err)
	_, err = store.RemovePending(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetJobFields(ctx, done.ID, map[string]any{"status": string(jobs.StatusCompleted)}))

	w := &jobs.Worker{WorkerCapabilities: jobs.WorkerCapabilities{WorkerID: "w1"}, Status: jobs.WorkerIdle}
	require.NoError(t, store.RegisterWorker(ctx, w))

	snap, err := h.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Jobs["pending"], 1)
	assert.Len(t, snap.Jobs["completed"], 1)
	assert.Len(t, snap.Workers, 1)
	require.NotNil(t, snap.Stats)
	assert.Equal(t, int64(1), snap.Stats.PendingJobs)
}

func TestWSHandlerAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestHub(t, Config{})
	secret := "monitor-secret"

	router := gin.New()
	router.GET("/ws/monitor", h.WSHandler(secret))

	t.Run("missing token is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws/monitor", nil)
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "dashboard",
		}).SignedString([]byte("other-secret"))
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws/monitor?token="+token, nil)
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token passes verification", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "dashboard",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(secret))
		require.NoError(t, err)

		sub, err := VerifyMonitorToken(token, secret)
		require.NoError(t, err)
		assert.Equal(t, "dashboard", sub)
	})
}
