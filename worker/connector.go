package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remiges-tech/loom/jobs"
)

// ProgressFunc is handed to a connector's Execute. Calls are throttled and
// persisted by the runtime; connectors report as often as they like.
type ProgressFunc func(entry jobs.ProgressEntry)

// Connector executes jobs of one service against a concrete backend. Execute
// must honor context cancellation: the runtime cancels the job context on
// cancel_job and on shutdown. Errors should be returned as
// *jobs.ClassifiedError when the connector can name the fault family;
// anything else is classified from the error chain.
type Connector interface {
	// Name identifies the connector in logs and worker capabilities.
	Name() string

	// Service returns the service_required value this connector serves.
	Service() string

	// Probe verifies the backend is reachable. Called once at startup;
	// a failing probe keeps the worker from registering the service.
	Probe(ctx context.Context) error

	// Execute runs one job to completion and returns its result document.
	Execute(ctx context.Context, job *jobs.Job, report ProgressFunc) (json.RawMessage, error)

	// Cancel asks the backend to abandon a job. The runtime cancels the
	// job context as well; Cancel exists for backends that need an explicit
	// abort call on top of the dropped connection.
	Cancel(ctx context.Context, jobID string) error
}

// Registry maps services to their connectors.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registering two connectors for the same service
// is a configuration error and is rejected.
func (r *Registry) Register(c Connector) error {
	svc := c.Service()
	if svc == "" {
		return fmt.Errorf("connector %s has no service", c.Name())
	}
	if existing, ok := r.connectors[svc]; ok {
		return fmt.Errorf("service %s already registered by connector %s", svc, existing.Name())
	}
	r.connectors[svc] = c
	return nil
}

// Lookup returns the connector for a service.
func (r *Registry) Lookup(service string) (Connector, bool) {
	c, ok := r.connectors[service]
	return c, ok
}

// Services returns the registered service names.
func (r *Registry) Services() []string {
	out := make([]string, 0, len(r.connectors))
	for svc := range r.connectors {
		out = append(out, svc)
	}
	return out
}
