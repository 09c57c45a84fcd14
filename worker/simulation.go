package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/remiges-tech/loom/jobs"
)

// SimulationConnector fakes a long-running workload. It is the connector
// used by the development worker and by tests: it steps through a fixed
// number of progress increments, honoring cancellation between steps.
type SimulationConnector struct {
	ServiceName  string
	Steps        int
	StepDuration time.Duration
}

// NewSimulationConnector creates a simulation connector for the given
// service. Zero steps defaults to 10, zero duration to 100ms per step.
func NewSimulationConnector(service string) *SimulationConnector {
	return &SimulationConnector{ServiceName: service, Steps: 10, StepDuration: 100 * time.Millisecond}
}

func (c *SimulationConnector) Name() string    { return "simulation" }
func (c *SimulationConnector) Service() string { return c.ServiceName }

// Probe always succeeds; there is no backend.
func (c *SimulationConnector) Probe(ctx context.Context) error { return nil }

// Cancel is a no-op; the simulation stops when its context does.
func (c *SimulationConnector) Cancel(ctx context.Context, jobID string) error { return nil }

// Execute steps through the simulated workload, reporting progress after
// each step.
func (c *SimulationConnector) Execute(ctx context.Context, job *jobs.Job, report ProgressFunc) (json.RawMessage, error) {
	steps := c.Steps
	if steps <= 0 {
		steps = 10
	}
	stepDur := c.StepDuration
	if stepDur <= 0 {
		stepDur = 100 * time.Millisecond
	}

	started := time.Now()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stepDur):
		}
		remaining := time.Duration(steps-i) * stepDur
		report(jobs.ProgressEntry{
			Percent:             float64(i) / float64(steps) * 100,
			Message:             fmt.Sprintf("step %d of %d", i, steps),
			CurrentStep:         i,
			TotalSteps:          steps,
			EstimatedCompletion: time.Now().Add(remaining).UnixMilli(),
		})
	}

	result, _ := json.Marshal(map[string]any{
		"simulated":     true,
		"steps":         steps,
		"elapsed_ms":    time.Since(started).Milliseconds(),
		"service":       c.ServiceName,
		"input_payload": len(job.Payload),
	})
	return result, nil
}
