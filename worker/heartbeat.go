package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/loom/jobs"
)

// heartbeatLoop refreshes last_heartbeat on the worker record so the hub's
// janitor keeps the worker alive, and emits the heartbeat event monitors can
// subscribe to.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.beat(ctx); err != nil {
				r.logger.Warn().LogActivity("Heartbeat failed", map[string]any{
					"workerId": r.caps.WorkerID,
					"error":    err.Error(),
				})
			}
		}
	}
}

func (r *Runtime) beat(ctx context.Context) error {
	now := jobs.NowMillis()
	if err := r.store.SetWorkerFields(ctx, r.caps.WorkerID, map[string]any{
		"last_heartbeat": now,
	}); err != nil {
		return err
	}
	r.emitter.Emit(jobs.Event{
		ID:        uuid.New().String(),
		Type:      jobs.EventHeartbeatAck,
		Timestamp: now,
		WorkerID:  r.caps.WorkerID,
		MachineID: r.caps.MachineID,
	})
	return nil
}
