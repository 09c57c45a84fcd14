package jobs

import "fmt"

// The key layout below is the on-the-wire contract of the data plane. Any
// Redis client can read a job with HGETALL job:{id} and the pending index
// with ZREVRANGE jobs:pending. The attestation key shapes are load-bearing:
// forensic tooling locates records by the workflow-{W} prefix or the exact
// job-{J} segment, so the structural pattern must not change.

// JobKey returns the Redis key for a job record hash.
func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// JobBackupKey returns the Redis key for an immutable pre-retry snapshot of
// a job record. n is the retry ordinal that produced the backup.
func JobBackupKey(jobID string, n int) string {
	return fmt.Sprintf("job:%s:backup:%d", jobID, n)
}

// PendingKey returns the Redis key of the pending index, a sorted set
// scored by the effective priority key.
func PendingKey() string {
	return "jobs:pending"
}

// JobIndexKey returns the Redis key of the global job index, a sorted set
// of all job ids scored by creation time. Used by listing endpoints so the
// management API never needs SCAN.
func JobIndexKey() string {
	return "jobs:index"
}

// ActiveJobsKey returns the Redis key of a worker's active-jobs hash,
// mapping assigned job ids to serialized job snapshots.
func ActiveJobsKey(workerID string) string {
	return fmt.Sprintf("jobs:active:%s", workerID)
}

// WorkerKey returns the Redis key for a worker record hash.
func WorkerKey(workerID string) string {
	return fmt.Sprintf("worker:%s", workerID)
}

// WorkerRegistryKey returns the Redis key for the global worker registry
// SET. Workers register their ids here so the janitor can discover them
// without using SCAN.
func WorkerRegistryKey() string {
	return "workers:registry"
}

// WorkerControlChannel returns the pub/sub channel for out-of-band control
// messages (cancel_job, sync_job_state) addressed to one worker.
func WorkerControlChannel(workerID string) string {
	return fmt.Sprintf("worker:%s:control", workerID)
}

// ProgressKey returns the Redis key of a job's progress stream.
func ProgressKey(jobID string) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// JobFailureAttestKey returns the key of a per-attempt failure attestation.
func JobFailureAttestKey(workflowScope, jobID string, attempt int) string {
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:attempt:%d", workflowScope, jobID, attempt)
}

// JobPermanentFailureAttestKey returns the key of the permanent failure
// attestation written when a job exhausts its retries or fails terminally.
func JobPermanentFailureAttestKey(workflowScope, jobID string) string {
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:permanent", workflowScope, jobID)
}

// JobCompletionAttestKey returns the key of the completion attestation.
func JobCompletionAttestKey(workflowScope, jobID string) string {
	return fmt.Sprintf("worker:completion:workflow-%s:job-%s:completed", workflowScope, jobID)
}

// JobAttestPrefix returns the match prefix covering every failure
// attestation of one job within one workflow scope.
func JobAttestPrefix(workflowScope, jobID string) string {
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:", workflowScope, jobID)
}

// JobCompletionAttestPrefix returns the match prefix covering the
// completion attestations of one job.
func JobCompletionAttestPrefix(workflowScope, jobID string) string {
	return fmt.Sprintf("worker:completion:workflow-%s:job-%s:", workflowScope, jobID)
}

// WorkflowFailureAttestKey returns the key of a workflow-level failure
// attestation. attempt < 0 selects the permanent record.
func WorkflowFailureAttestKey(workflowScope string, attempt int) string {
	if attempt < 0 {
		return fmt.Sprintf("workflow:failure:%s:permanent", workflowScope)
	}
	return fmt.Sprintf("workflow:failure:%s:attempt:%d", workflowScope, attempt)
}

// WorkflowAttestPrefix returns the match prefix covering every
// workflow-level attestation of one workflow.
func WorkflowAttestPrefix(workflowScope string) string {
	return fmt.Sprintf("workflow:failure:%s:", workflowScope)
}

// EventsChannel returns the pub/sub channel carrying lifecycle events from
// worker processes to the hub broadcaster.
func EventsChannel() string {
	return "events:lifecycle"
}

// CompletedCounterKey returns the key of the global completed-jobs counter.
func CompletedCounterKey() string {
	return "stats:jobs:completed"
}

// FailedCounterKey returns the key of the global failed-jobs counter.
func FailedCounterKey() string {
	return "stats:jobs:failed"
}
