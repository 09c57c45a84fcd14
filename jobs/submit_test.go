package jobs

import (
	"context"
	"encoding/json"
	"log"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	events []Event
}

func (c *captureEmitter) Emit(ev Event) { c.events = append(c.events, ev) }

func (c *captureEmitter) byType(typ string) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSubmitter(t *testing.T) (*Submitter, *Store, *captureEmitter) {
	t.Helper()
	store, _ := newTestStore(t)
	emitter := &captureEmitter{}
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	return NewSubmitter(store, emitter, logger), store, emitter
}

func TestSubmit(t *testing.T) {
	sb, store, emitter := newTestSubmitter(t)
	ctx := context.Background()

	t.Run("fills defaults and enqueues", func(t *testing.T) {
		job, err := sb.Submit(ctx, &JobSpec{
			ServiceRequired: "llm",
			Payload:         json.RawMessage(`{"prompt":"hi"}`),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, StatusPending, job.Status)
		assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
		assert.Equal(t, PriorityDefaulted, job.PrioritySource)
		assert.NotZero(t, job.CreatedAt)

		n, err := store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		submitted := emitter.byType(EventJobSubmitted)
		require.Len(t, submitted, 1)
		assert.Equal(t, job.ID, submitted[0].JobID)
		assert.Equal(t, "llm", submitted[0].JobType)
	})

	t.Run("workflow datetime defaults to creation time", func(t *testing.T) {
		job, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm", WorkflowID: "wf-1"})
		require.NoError(t, err)
		assert.Equal(t, job.CreatedAt, job.WorkflowDatetime)
	})

	t.Run("rejects missing service", func(t *testing.T) {
		_, err := sb.Submit(ctx, &JobSpec{})
		assert.ErrorIs(t, err, ErrMissingService)
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		_, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm", Payload: json.RawMessage(`{"x":`)})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestCancel(t *testing.T) {
	t.Run("pending job cancels immediately", func(t *testing.T) {
		sb, store, emitter := newTestSubmitter(t)
		ctx := context.Background()

		job, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm"})
		require.NoError(t, err)

		got, err := sb.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)

		n, err := store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, stored.Status)
		assert.NotZero(t, stored.FailedAt)

		changes := emitter.byType(EventJobStatusChanged)
		require.Len(t, changes, 1)
		assert.Equal(t, "cancelled", changes[0].Data["status"])
	})

	t.Run("active job is signalled, not forced", func(t *testing.T) {
		sb, store, _ := newTestSubmitter(t)
		ctx := context.Background()

		job, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm"})
		require.NoError(t, err)
		_, err = store.RemovePending(ctx, job.ID)
		require.NoError(t, err)
		require.NoError(t, store.SetJobFields(ctx, job.ID, map[string]any{
			"status":    string(StatusActive),
			"worker_id": "w1",
		}))

		got, err := sb.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelling, got.Status)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelling, stored.Status)
		assert.Equal(t, "w1", stored.WorkerID, "owner is unchanged until the worker reconciles")

		// A second cancel of a cancelling job is a no-op, not an error.
		again, err := sb.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelling, again.Status)
	})

	t.Run("terminal job cannot be cancelled", func(t *testing.T) {
		sb, store, _ := newTestSubmitter(t)
		ctx := context.Background()

		job, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm"})
		require.NoError(t, err)
		_, err = store.RemovePending(ctx, job.ID)
		require.NoError(t, err)
		require.NoError(t, store.SetJobFields(ctx, job.ID, map[string]any{"status": string(StatusCompleted)}))

		_, err = sb.Cancel(ctx, job.ID)
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})
}

func TestRetry(t *testing.T) {
	sb, store, _ := newTestSubmitter(t)
	ctx := context.Background()

	job, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm", WorkflowID: "wf-1", StepNumber: 2})
	require.NoError(t, err)
	_, err = store.RemovePending(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetJobFields(ctx, job.ID, map[string]any{
		"status":    string(StatusFailed),
		"worker_id": "w1",
		"failed_at": NowMillis(),
		"error":     "boom",
		"progress":  42.5,
	}))

	t.Run("retry requires a terminal job", func(t *testing.T) {
		active, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm"})
		require.NoError(t, err)
		_, err = sb.Retry(ctx, active.ID)
		assert.ErrorIs(t, err, ErrRetryNotPermitted)
	})

	t.Run("retry resets the record and keeps a backup", func(t *testing.T) {
		got, err := sb.Retry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Empty(t, got.WorkerID)
		assert.Empty(t, got.Error)
		assert.Zero(t, got.Progress)
		assert.Equal(t, "wf-1", got.WorkflowID, "workflow identity survives retry")
		assert.Equal(t, 2, got.StepNumber)

		raw, err := store.Redis.Get(ctx, JobBackupKey(job.ID, 1)).Result()
		require.NoError(t, err)
		var h map[string]string
		require.NoError(t, json.Unmarshal([]byte(raw), &h))
		assert.Equal(t, string(StatusFailed), h["status"])
		assert.Equal(t, "boom", h["error"])
		assert.Equal(t, "w1", h["worker_id"])
	})
}

func TestRequeue(t *testing.T) {
	sb, store, emitter := newTestSubmitter(t)
	ctx := context.Background()

	job, err := sb.Submit(ctx, &JobSpec{ServiceRequired: "llm"})
	require.NoError(t, err)
	_, err = store.RemovePending(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetJobFields(ctx, job.ID, map[string]any{
		"status":    string(StatusActive),
		"worker_id": "w1",
		"progress":  80,
	}))
	require.NoError(t, store.Redis.HSet(ctx, ActiveJobsKey("w1"), job.ID, "{}").Err())

	job.Status = StatusActive
	job.WorkerID = "w1"
	require.NoError(t, sb.Requeue(ctx, job))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, stored.WorkerID)

	active, err := store.Redis.HKeys(ctx, ActiveJobsKey("w1")).Result()
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	changes := emitter.byType(EventJobStatusChanged)
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.Equal(t, "pending", last.Data["status"])
	assert.Equal(t, "active", last.Data["previous_status"])
}
