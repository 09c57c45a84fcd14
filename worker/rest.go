package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/remiges-tech/loom/jobs"
)

// RESTConnector executes jobs by POSTing their payload to an HTTP inference
// backend and treating the response body as the job result. It classifies
// the common HTTP fault families so the retry strategy can act on them.
type RESTConnector struct {
	ServiceName string
	Endpoint    string
	HealthPath  string
	Client      *http.Client
	Headers     map[string]string
}

// NewRESTConnector creates a REST connector for one service against one
// backend endpoint.
func NewRESTConnector(service, endpoint string) *RESTConnector {
	return &RESTConnector{
		ServiceName: service,
		Endpoint:    endpoint,
		HealthPath:  "/health",
		Client:      &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *RESTConnector) Name() string    { return "rest" }
func (c *RESTConnector) Service() string { return c.ServiceName }

// Probe issues a GET against the backend's health path.
func (c *RESTConnector) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+c.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %w", c.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("backend %s health returned %d", c.Endpoint, resp.StatusCode)
	}
	return nil
}

// Cancel is a no-op: dropping the request context aborts the in-flight
// POST, and generic REST backends expose no abort endpoint.
func (c *RESTConnector) Cancel(ctx context.Context, jobID string) error { return nil }

// Execute posts the job payload and returns the response document. Progress
// is coarse: the backend call is opaque, so only start and end are reported.
func (c *RESTConnector) Execute(ctx context.Context, job *jobs.Job, report ProgressFunc) (json.RawMessage, error) {
	report(jobs.ProgressEntry{Percent: 0, Message: "dispatching to backend"})

	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, jobs.NewClassifiedError(jobs.FailMalformedJob, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, jobs.NewClassifiedError(jobs.FailTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, jobs.NewClassifiedError(jobs.FailTransientNetwork, err)
	}

	if kind, ok := classifyHTTPStatus(resp.StatusCode); ok {
		return nil, jobs.NewClassifiedError(kind,
			fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	report(jobs.ProgressEntry{Percent: 100, Message: "backend responded"})
	if !json.Valid(body) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
		return wrapped, nil
	}
	return body, nil
}

// classifyHTTPStatus maps backend status codes to failure kinds. ok is false
// for success codes.
func classifyHTTPStatus(code int) (jobs.FailureKind, bool) {
	switch {
	case code < 400:
		return "", false
	case code == http.StatusTooManyRequests:
		return jobs.FailRateLimit, true
	case code == http.StatusInsufficientStorage || code == http.StatusServiceUnavailable:
		return jobs.FailResourceExhaustion, true
	case code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return jobs.FailMalformedJob, true
	case code == http.StatusForbidden:
		return jobs.FailSafetyRefusal, true
	case code >= 500:
		return jobs.FailTransientNetwork, true
	default:
		return jobs.FailUnknown, true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
