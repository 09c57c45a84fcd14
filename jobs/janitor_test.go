package jobs

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJanitor(t *testing.T, cfg JanitorConfig) (*Janitor, *Store, *captureEmitter) {
	t.Helper()
	store, _ := newTestStore(t)
	emitter := &captureEmitter{}
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	sb := NewSubmitter(store, emitter, logger)
	jn := NewJanitor(store, sb, NewAttestor(store, 0), emitter, logger, cfg)
	return jn, store, emitter
}

func TestSweepWorkers(t *testing.T) {
	jn, store, emitter := newTestJanitor(t, JanitorConfig{
		StaleThreshold: 60 * time.Second,
		WarnThreshold:  30 * time.Second,
	})
	ctx := context.Background()

	t.Run("fresh worker untouched", func(t *testing.T) {
		store.Redis.FlushAll(ctx)
		w := &Worker{
			WorkerCapabilities: WorkerCapabilities{WorkerID: "fresh", Services: []string{"llm"}},
			Status:             WorkerIdle,
			LastHeartbeat:      NowMillis(),
		}
		require.NoError(t, store.RegisterWorker(ctx, w))
		require.NoError(t, jn.SweepWorkers(ctx))

		got, err := store.GetWorker(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, WorkerIdle, got.Status)
	})

	t.Run("stale worker reaped and its job requeued", func(t *testing.T) {
		store.Redis.FlushAll(ctx)
		emitter.events = nil

		job := &Job{
			ID: "j1", ServiceRequired: "llm", Status: StatusActive,
			WorkerID: "stale", CreatedAt: NowMillis(), MaxRetries: 3,
		}
		require.NoError(t, store.WriteJob(ctx, job))
		require.NoError(t, store.Redis.HSet(ctx, ActiveJobsKey("stale"), "j1", "{}").Err())

		w := &Worker{
			WorkerCapabilities: WorkerCapabilities{WorkerID: "stale", MachineID: "m1", Services: []string{"llm"}},
			Status:             WorkerBusy,
			CurrentJobID:       "j1",
			LastHeartbeat:      NowMillis() - (2 * time.Minute).Milliseconds(),
		}
		require.NoError(t, store.RegisterWorker(ctx, w))

		require.NoError(t, jn.SweepWorkers(ctx))

		got, err := store.GetWorker(ctx, "stale")
		require.NoError(t, err)
		assert.Equal(t, WorkerOffline, got.Status)

		workers, err := store.ListWorkers(ctx)
		require.NoError(t, err)
		assert.Empty(t, workers)

		requeued, err := store.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, requeued.Status)
		assert.Equal(t, 1, requeued.RetryCount)
		assert.Empty(t, requeued.WorkerID)

		n, err := store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		att := readAttestation(t, store, "worker:failure:workflow-j1:job-j1:attempt:0")
		assert.Equal(t, FailWorkerCrash, att.FailureKind)
		assert.True(t, att.WillRetry)

		disc := emitter.byType(EventWorkerDisconnected)
		require.Len(t, disc, 1)
		assert.Equal(t, "stale", disc[0].WorkerID)
		assert.Equal(t, "heartbeat_lapse", disc[0].Data["reason"])
	})

	t.Run("lapsing worker only warned", func(t *testing.T) {
		store.Redis.FlushAll(ctx)
		w := &Worker{
			WorkerCapabilities: WorkerCapabilities{WorkerID: "lapsing", Services: []string{"llm"}},
			Status:             WorkerIdle,
			LastHeartbeat:      NowMillis() - (45 * time.Second).Milliseconds(),
		}
		require.NoError(t, store.RegisterWorker(ctx, w))
		require.NoError(t, jn.SweepWorkers(ctx))

		got, err := store.GetWorker(ctx, "lapsing")
		require.NoError(t, err)
		assert.Equal(t, WorkerIdle, got.Status, "warn threshold does not deregister")
	})
}

func TestSweepUnworkable(t *testing.T) {
	jn, store, emitter := newTestJanitor(t, JanitorConfig{UnworkableAge: 10 * time.Minute})
	ctx := context.Background()

	old := NowMillis() - (20 * time.Minute).Milliseconds()

	w := &Worker{
		WorkerCapabilities: WorkerCapabilities{WorkerID: "w1", Services: []string{"llm"}},
		Status:             WorkerIdle,
		LastHeartbeat:      NowMillis(),
	}
	require.NoError(t, store.RegisterWorker(ctx, w))

	served := &Job{ID: "served", ServiceRequired: "llm", Status: StatusPending, CreatedAt: old}
	served.ResolvePriority()
	require.NoError(t, store.WriteJob(ctx, served))
	require.NoError(t, store.EnqueuePending(ctx, served))

	orphan := &Job{ID: "orphan", ServiceRequired: "video_generation", Status: StatusPending, CreatedAt: old}
	orphan.ResolvePriority()
	require.NoError(t, store.WriteJob(ctx, orphan))
	require.NoError(t, store.EnqueuePending(ctx, orphan))

	young := &Job{ID: "young", ServiceRequired: "video_generation", Status: StatusPending, CreatedAt: NowMillis()}
	young.ResolvePriority()
	require.NoError(t, store.WriteJob(ctx, young))
	require.NoError(t, store.EnqueuePending(ctx, young))

	require.NoError(t, jn.SweepUnworkable(ctx))

	got, err := store.GetJob(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusUnworkable, got.Status)
	assert.Contains(t, got.Error, "video_generation")

	got, err = store.GetJob(ctx, "served")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "a served service is never parked")

	got, err = store.GetJob(ctx, "young")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "jobs younger than the age gate stay pending")

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	changes := emitter.byType(EventJobStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "orphan", changes[0].JobID)
	assert.Equal(t, "unworkable", changes[0].Data["status"])
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"explicit classification wins", NewClassifiedError(FailSafetyRefusal, assert.AnError), FailSafetyRefusal},
		{"cancelled context", context.Canceled, FailCancelled},
		{"deadline is transient", context.DeadlineExceeded, FailTransientNetwork},
		{"oom message", errString("CUDA out of memory"), FailResourceExhaustion},
		{"rate limit message", errString("429 too many requests"), FailRateLimit},
		{"refusal message", errString("request refused by content policy"), FailSafetyRefusal},
		{"malformed message", errString("cannot unmarshal payload"), FailMalformedJob},
		{"connection reset", errString("read: connection reset by peer"), FailTransientNetwork},
		{"anything else", assert.AnError, FailUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestFailureKindRetryable(t *testing.T) {
	assert.True(t, FailTransientNetwork.Retryable())
	assert.True(t, FailResourceExhaustion.Retryable())
	assert.True(t, FailWorkerCrash.Retryable())
	assert.False(t, FailSafetyRefusal.Retryable())
	assert.False(t, FailMalformedJob.Retryable())
	assert.False(t, FailCancelled.Retryable())
}

type errString string

func (e errString) Error() string { return string(e) }
