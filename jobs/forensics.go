package jobs

import (
	"context"
	"encoding/json"
	"sort"
)

// ForensicReport answers "what happened to job J" from the audit trail:
// the current record, every attestation touching the job, the
// workflow-level attestations of its workflow, retained retry backups, and
// the full progress stream.
type ForensicReport struct {
	Job                  *Job            `json:"job"`
	Attestations         []Attestation   `json:"attestations"`
	WorkflowAttestations []Attestation   `json:"workflow_attestations,omitempty"`
	RetryBackups         []*Job          `json:"retry_backups,omitempty"`
	Progress             []ProgressEntry `json:"progress,omitempty"`
}

// Investigate assembles the forensic report for one job. Attestation keys
// are located by their structural prefixes -- worker:failure:workflow-{W}:
// job-{J}: and the completion counterpart -- never by bare substring
// search, which would miss records.
func (s *Store) Investigate(ctx context.Context, jobID string) (*ForensicReport, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	wf := job.WorkflowScope()

	report := &ForensicReport{Job: job}

	report.Attestations, err = s.scanAttestations(ctx,
		JobAttestPrefix(wf, jobID)+"*",
		JobCompletionAttestPrefix(wf, jobID)+"*",
	)
	if err != nil {
		return nil, err
	}

	if job.WorkflowID != "" {
		report.WorkflowAttestations, err = s.scanAttestations(ctx,
			WorkflowAttestPrefix(wf)+"*")
		if err != nil {
			return nil, err
		}
	}

	for n := 1; n <= job.RetryCount; n++ {
		raw, err := s.Redis.Get(ctx, JobBackupKey(jobID, n)).Result()
		if err != nil {
			continue // expired backups are expected
		}
		var h map[string]string
		if json.Unmarshal([]byte(raw), &h) != nil {
			continue
		}
		if backup, err := jobFromHash(h); err == nil {
			report.RetryBackups = append(report.RetryBackups, backup)
		}
	}

	report.Progress, err = s.GetProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// scanAttestations collects the attestation records behind the given match
// patterns, ordered by timestamp.
func (s *Store) scanAttestations(ctx context.Context, patterns ...string) ([]Attestation, error) {
	var out []Attestation
	for _, pattern := range patterns {
		var cursor uint64
		for {
			keys, next, err := s.Redis.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, err
			}
			for _, key := range keys {
				raw, err := s.Redis.Get(ctx, key).Result()
				if err != nil {
					continue
				}
				var att Attestation
				if err := json.Unmarshal([]byte(raw), &att); err != nil {
					s.Logger.Warn().LogActivity("Skipping corrupt attestation", map[string]any{
						"key": key,
					})
					continue
				}
				out = append(out, att)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp < out[k].Timestamp })
	return out, nil
}
