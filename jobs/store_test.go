package jobs

import (
	"context"
	"log"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	return NewStore(redisClient, logger), mr
}

func TestJobRecordRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	wfPrio := 4
	job := &Job{
		ID:               "job-rt",
		ServiceRequired:  "image_generation",
		Priority:         2,
		Payload:          []byte(`{"prompt":"a fox"}`),
		Requirements:     &JobRequirements{Hardware: map[string]any{"gpu_memory_gb": 16.0}},
		CustomerID:       "cust-1",
		WorkflowID:       "wf-1",
		WorkflowPriority: &wfPrio,
		WorkflowDatetime: 1700000000000,
		StepNumber:       2,
		MaxRetries:       3,
		CreatedAt:        NowMillis(),
		Status:           StatusPending,
	}
	job.ResolvePriority()

	require.NoError(t, store.WriteJob(ctx, job))

	got, err := store.GetJob(ctx, "job-rt")
	require.NoError(t, err)
	assert.Equal(t, job.ServiceRequired, got.ServiceRequired)
	assert.Equal(t, job.EffectivePriority, got.EffectivePriority)
	assert.Equal(t, PriorityExplicit, got.PrioritySource)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	require.NotNil(t, got.Requirements)
	assert.Equal(t, 16.0, got.Requirements.Hardware["gpu_memory_gb"])
	require.NotNil(t, got.WorkflowPriority)
	assert.Equal(t, 4, *got.WorkflowPriority)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, 2, got.StepNumber)
}

func TestGetJobNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPendingIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "j1", ServiceRequired: "llm", CreatedAt: NowMillis(), Status: StatusPending}
	job.ResolvePriority()
	require.NoError(t, store.EnqueuePending(ctx, job))

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := store.RemovePending(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemovePending(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, removed, "second removal must report the lost race")
}

func TestWorkerRegistry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	w := &Worker{
		WorkerCapabilities: WorkerCapabilities{
			WorkerID:  "w1",
			MachineID: "gpu-box-1",
			Services:  []string{"image_generation", "llm"},
			Hardware:  HardwareSpec{GPUMemoryGB: 24, CPUCores: 16, RAMGB: 64},
			Models:    map[string][]string{"image_generation": {"sdxl", "controlnet"}},
		},
		Status:        WorkerIdle,
		ConnectedAt:   NowMillis(),
		LastHeartbeat: NowMillis(),
	}
	require.NoError(t, store.RegisterWorker(ctx, w))

	got, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"image_generation", "llm"}, got.Services)
	assert.Equal(t, 24.0, got.Hardware.GPUMemoryGB)
	assert.Equal(t, WorkerIdle, got.Status)

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)

	require.NoError(t, store.DeregisterWorker(ctx, "w1"))
	workers, err = store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)

	// Record survives deregistration for post-mortem reads.
	got, err = store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, WorkerOffline, got.Status)
	assert.Empty(t, got.CurrentJobID)
}

func TestProgressStream(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendProgress(ctx, "j1", ProgressEntry{Percent: 10, Message: "warming up"}))
	require.NoError(t, store.AppendProgress(ctx, "j1", ProgressEntry{Percent: 55, CurrentStep: 11, TotalSteps: 20}))

	entries, err := store.GetProgress(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 10.0, entries[0].Percent)
	assert.Equal(t, "warming up", entries[0].Message)
	assert.Equal(t, 55.0, entries[1].Percent)
	assert.NotZero(t, entries[0].Timestamp)
}

func TestCollectStats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "j1", ServiceRequired: "llm", CreatedAt: NowMillis(), Status: StatusPending}
	job.ResolvePriority()
	require.NoError(t, store.EnqueuePending(ctx, job))
	require.NoError(t, store.IncrCompleted(ctx))
	require.NoError(t, store.IncrCompleted(ctx))
	require.NoError(t, store.IncrFailed(ctx))

	w := &Worker{WorkerCapabilities: WorkerCapabilities{WorkerID: "w1"}, Status: WorkerBusy}
	require.NoError(t, store.RegisterWorker(ctx, w))

	stats, err := store.CollectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingJobs)
	assert.Equal(t, int64(2), stats.CompletedTotal)
	assert.Equal(t, int64(1), stats.FailedTotal)
	assert.Equal(t, int64(1), stats.WorkersByState[WorkerBusy])
}
