package webhook

import (
	"github.com/remiges-tech/loom/jobs"
)

// RetryConfig is the per-webhook redelivery policy. Delays are milliseconds.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMS    int64   `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMS        int64   `json:"max_delay_ms"`
}

// DefaultRetryConfig is applied to registrations that do not set a policy.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       5,
	InitialDelayMS:    500,
	BackoffMultiplier: 2.0,
	MaxDelayMS:        60_000,
}

// Delay returns the wait before the given attempt (1-based; attempt 1 has
// no delay). The schedule is exponential with a cap.
func (rc RetryConfig) Delay(attempt int) int64 {
	if attempt <= 1 {
		return 0
	}
	delay := float64(rc.InitialDelayMS)
	for i := 2; i < attempt; i++ {
		delay *= rc.BackoffMultiplier
	}
	if int64(delay) > rc.MaxDelayMS {
		return rc.MaxDelayMS
	}
	return int64(delay)
}

// Filters narrow which events a webhook receives. Empty fields match all.
type Filters struct {
	JobTypes    []string `json:"job_types,omitempty"`
	MachineIDs  []string `json:"machine_ids,omitempty"`
	WorkerIDs   []string `json:"worker_ids,omitempty"`
	PriorityMin *int     `json:"priority_min,omitempty"`
	PriorityMax *int     `json:"priority_max,omitempty"`
}

// Registration is one webhook endpoint. Stored as JSON in the
// webhooks:registry hash.
type Registration struct {
	ID          string      `json:"id"`
	URL         string      `json:"url" validate:"required,url"`
	Secret      string      `json:"secret" validate:"required,min=16"`
	Description string      `json:"description,omitempty"`
	Events      []string    `json:"events" validate:"required,min=1"`
	Filters     Filters     `json:"filters,omitempty"`
	Retry       RetryConfig `json:"retry"`
	Active      bool        `json:"active"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// Matches reports whether the registration wants the event.
func (r *Registration) Matches(ev jobs.Event) bool {
	if !r.Active {
		return false
	}
	wanted := false
	for _, typ := range r.Events {
		if typ == "*" || typ == ev.Type {
			wanted = true
			break
		}
	}
	if !wanted {
		return false
	}
	f := r.Filters
	if len(f.JobTypes) > 0 && ev.JobType != "" && !contains(f.JobTypes, ev.JobType) {
		return false
	}
	if len(f.MachineIDs) > 0 && ev.MachineID != "" && !contains(f.MachineIDs, ev.MachineID) {
		return false
	}
	if len(f.WorkerIDs) > 0 && ev.WorkerID != "" && !contains(f.WorkerIDs, ev.WorkerID) {
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

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// Delivery is one delivery attempt record. ResponseSnippet holds the first
// kilobyte of the receiver's response body for delivery debugging.
type Delivery struct {
	ID              string `json:"id"`
	WebhookID       string `json:"webhook_id"`
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type"`
	Attempt         int    `json:"attempt"`
	StatusCode      int    `json:"status_code,omitempty"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	ResponseSnippet string `json:"response_snippet,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
	Timestamp       int64  `json:"timestamp"`
}

// DeliveryStats is the per-webhook aggregate the management API exposes.
type DeliveryStats struct {
	WebhookID     string `json:"webhook_id"`
	Total         int64  `json:"total"`
	Succeeded     int64  `json:"succeeded"`
	Failed        int64  `json:"failed"`
	AvgDurationMS int64  `json:"avg_duration_ms"`
	LastDelivery  int64  `json:"last_delivery,omitempty"`
}
