package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAttestation(t *testing.T, store *Store, key string) Attestation {
	t.Helper()
	raw, err := store.Redis.Get(context.Background(), key).Result()
	require.NoError(t, err, "attestation key %s", key)
	var att Attestation
	require.NoError(t, json.Unmarshal([]byte(raw), &att))
	return att
}

func TestAttestorKeys(t *testing.T) {
	store, mr := newTestStore(t)
	a := NewAttestor(store, 0)
	ctx := context.Background()

	t.Run("retry attestation lands on the attempt key", func(t *testing.T) {
		j := &Job{ID: "j1", WorkerID: "w1", WorkflowID: "wf-1", RetryCount: 1}
		require.NoError(t, a.RecordRetry(ctx, j, FailTransientNetwork, "connection reset"))

		key := "worker:failure:workflow-wf-1:job-j1:attempt:1"
		att := readAttestation(t, store, key)
		assert.Equal(t, AttestFailureRetry, att.AttestationType)
		assert.Equal(t, FailTransientNetwork, att.FailureKind)
		assert.True(t, att.WillRetry)
		assert.Equal(t, "step_delayed", att.WorkflowImpact)

		wfAtt := readAttestation(t, store, "workflow:failure:wf-1:attempt:1")
		assert.Equal(t, AttestWorkflowFailure, wfAtt.AttestationType)

		ttl := mr.TTL(key)
		assert.Equal(t, DefaultAttestationTTL, ttl)
	})

	t.Run("standalone job uses its own id as workflow scope", func(t *testing.T) {
		j := &Job{ID: "solo", WorkerID: "w1", RetryCount: 2}
		require.NoError(t, a.RecordRetry(ctx, j, FailRateLimit, "429"))

		readAttestation(t, store, "worker:failure:workflow-solo:job-solo:attempt:2")
		assert.False(t, mr.Exists("workflow:failure:solo:attempt:2"),
			"no workflow-level record for standalone jobs")
	})

	t.Run("permanent failure writes attempt, permanent and workflow records", func(t *testing.T) {
		j := &Job{ID: "j2", WorkerID: "w1", WorkflowID: "wf-2", RetryCount: 3}
		require.NoError(t, a.RecordPermanentFailure(ctx, j, FailUnknown, "gave up"))

		att := readAttestation(t, store, "worker:failure:workflow-wf-2:job-j2:attempt:3")
		assert.False(t, att.WillRetry)

		perm := readAttestation(t, store, "worker:failure:workflow-wf-2:job-j2:permanent")
		assert.Equal(t, AttestFailurePermanent, perm.AttestationType)
		assert.Equal(t, "workflow_failed", perm.WorkflowImpact)

		wfPerm := readAttestation(t, store, "workflow:failure:wf-2:permanent")
		assert.Equal(t, AttestWorkflowFailure, wfPerm.AttestationType)
	})

	t.Run("completion attestation", func(t *testing.T) {
		j := &Job{ID: "j3", WorkerID: "w1", WorkflowID: "wf-3"}
		require.NoError(t, a.RecordCompletion(ctx, j, 1234))

		att := readAttestation(t, store, "worker:completion:workflow-wf-3:job-j3:completed")
		assert.Equal(t, AttestCompletion, att.AttestationType)
		assert.Equal(t, int64(1234), att.ProcessingMS)
		assert.Equal(t, "step_completed", att.WorkflowImpact)
	})

	t.Run("records are append-only", func(t *testing.T) {
		j := &Job{ID: "j4", WorkerID: "w1", RetryCount: 1}
		require.NoError(t, a.RecordRetry(ctx, j, FailTransientNetwork, "first"))
		require.NoError(t, a.RecordRetry(ctx, j, FailUnknown, "second write must not stick"))

		att := readAttestation(t, store, "worker:failure:workflow-j4:job-j4:attempt:1")
		assert.Equal(t, "first", att.Error)
		assert.Equal(t, FailTransientNetwork, att.FailureKind)
	})
}

func TestInvestigate(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAttestor(store, 0)
	ctx := context.Background()

	job := &Job{
		ID: "j1", ServiceRequired: "llm", WorkflowID: "wf-1",
		Status: StatusFailed, RetryCount: 2, MaxRetries: 2,
		WorkerID: "w1", CreatedAt: NowMillis(),
	}
	require.NoError(t, store.WriteJob(ctx, job))

	// Attempt 1 failed and retried, attempt 2 failed permanently.
	j1 := *job
	j1.RetryCount = 1
	require.NoError(t, a.RecordRetry(ctx, &j1, FailTransientNetwork, "timeout"))
	require.NoError(t, a.RecordPermanentFailure(ctx, job, FailUnknown, "boom"))

	backup, err := json.Marshal(jobHashStrings(&j1))
	require.NoError(t, err)
	require.NoError(t, store.Redis.Set(ctx, JobBackupKey("j1", 1), string(backup), retryBackupTTL).Err())

	require.NoError(t, store.AppendProgress(ctx, "j1", ProgressEntry{Percent: 30}))

	report, err := store.Investigate(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", report.Job.ID)

	require.Len(t, report.Attestations, 3, "attempt 1, attempt 2, permanent")
	for i := 1; i < len(report.Attestations); i++ {
		assert.LessOrEqual(t, report.Attestations[i-1].Timestamp, report.Attestations[i].Timestamp)
	}

	require.Len(t, report.WorkflowAttestations, 2, "workflow attempt + workflow permanent")

	require.Len(t, report.RetryBackups, 1)
	assert.Equal(t, 1, report.RetryBackups[0].RetryCount)

	require.Len(t, report.Progress, 1)
	assert.Equal(t, 30.0, report.Progress[0].Percent)
}

func TestInvestigateCompletedJob(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAttestor(store, 0)
	ctx := context.Background()

	job := &Job{ID: "j1", ServiceRequired: "llm", Status: StatusCompleted, WorkerID: "w1", CreatedAt: NowMillis()}
	require.NoError(t, store.WriteJob(ctx, job))
	require.NoError(t, a.RecordCompletion(ctx, job, 500))

	report, err := store.Investigate(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, report.Attestations, 1)
	assert.Equal(t, AttestCompletion, report.Attestations[0].AttestationType)
	assert.Empty(t, report.WorkflowAttestations)
}
