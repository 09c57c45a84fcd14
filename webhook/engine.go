package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/jobs"
)

// DeliveryRecorder persists delivery attempts for the audit API. The pg
// subpackage provides the Postgres implementation; NopRecorder drops them.
type DeliveryRecorder interface {
	Record(ctx context.Context, d *Delivery) error
	List(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
	Stats(ctx context.Context, webhookID string) (*DeliveryStats, error)
}

// NopRecorder discards delivery records.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *Delivery) error { return nil }
func (NopRecorder) List(context.Context, string, int) ([]Delivery, error) {
	return nil, nil
}
func (NopRecorder) Stats(_ context.Context, webhookID string) (*DeliveryStats, error) {
	return &DeliveryStats{WebhookID: webhookID}, nil
}

// EngineConfig tunes the delivery engine.
type EngineConfig struct {
	Workers           int
	QueueSize         int
	DeliveryTimeout   time.Duration
	RetryPumpInterval time.Duration

	// DropPriorityBelow is the saturation valve: when the dispatch queue
	// is full, events below this priority are dropped instead of queued.
	DropPriorityBelow int
}

const (
	DefaultWorkers           = 4
	DefaultQueueSize         = 1024
	DefaultDeliveryTimeout   = 30 * time.Second
	DefaultRetryPumpInterval = time.Second
	DefaultDropPriorityBelow = 5
)

func (c *EngineConfig) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.RetryPumpInterval == 0 {
		c.RetryPumpInterval = DefaultRetryPumpInterval
	}
	if c.DropPriorityBelow == 0 {
		c.DropPriorityBelow = DefaultDropPriorityBelow
	}
}

// deliveryTask is one scheduled delivery attempt. It is also the JSON shape
// stored on the retry ZSET.
type deliveryTask struct {
	WebhookID string     `json:"webhook_id"`
	Event     jobs.Event `json:"event"`
	Attempt   int        `json:"attempt"`
}

// Engine matches lifecycle events against webhook registrations and
// delivers them over HTTP with HMAC signing, bounded concurrency and
// exponential-backoff redelivery. It implements jobs.EventEmitter.
type Engine struct {
	store    *Store
	recorder DeliveryRecorder
	logger   *logharbour.Logger
	client   *http.Client
	cfg      EngineConfig

	queue chan deliveryTask
	wg    sync.WaitGroup
}

// NewEngine creates a delivery engine. A nil recorder drops audit rows.
func NewEngine(store *Store, recorder DeliveryRecorder, logger *logharbour.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	cfg.applyDefaults()
	return &Engine{
		store:    store,
		recorder: recorder,
		logger:   logger,
		client:   &http.Client{Timeout: cfg.DeliveryTimeout},
		cfg:      cfg,
		queue:    make(chan deliveryTask, cfg.QueueSize),
	}
}

// Emit matches the event against every registration and enqueues the
// first-attempt deliveries. It never blocks: on queue saturation,
// low-priority events are dropped.
func (e *Engine) Emit(ev jobs.Event) {
	regs, err := e.store.List(context.Background())
	if err != nil {
		e.logger.Error(err).LogActivity("Webhook registry read failed", nil)
		return
	}
	for _, reg := range regs {
		if !reg.Matches(ev) {
			continue
		}
		e.enqueue(deliveryTask{WebhookID: reg.ID, Event: ev, Attempt: 1})
	}
}

func (e *Engine) enqueue(task deliveryTask) {
	select {
	case e.queue <- task:
	default:
		if task.Event.Priority < e.cfg.DropPriorityBelow {
			e.logger.Warn().LogActivity("Dropping webhook delivery, queue saturated", map[string]any{
				"webhookId": task.WebhookID,
				"eventType": task.Event.Type,
				"priority":  task.Event.Priority,
			})
			return
		}
		// High-priority deliveries wait their turn instead of vanishing.
		e.queue <- task
	}
}

// Run starts the delivery workers and the retry pump; it blocks until ctx
// is cancelled and all workers have drained.
func (e *Engine) Run(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-e.queue:
					e.process(ctx, task)
				}
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.RetryPumpInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.pumpRetries(ctx)
			}
		}
	}()

	e.wg.Wait()
}

// process delivers one attempt and schedules redelivery on failure.
func (e *Engine) process(ctx context.Context, task deliveryTask) {
	reg, err := e.store.Get(ctx, task.WebhookID)
	if err != nil {
		// Deleted since scheduling; the redelivery chain ends here.
		return
	}
	if !reg.Active {
		return
	}

	delivery := e.Deliver(ctx, reg, task.Event, task.Attempt)
	if delivery.Success {
		return
	}
	if task.Attempt >= reg.Retry.MaxAttempts {
		e.logger.Warn().LogActivity("Webhook delivery abandoned", map[string]any{
			"webhookId": reg.ID,
			"eventId":   task.Event.ID,
			"attempts":  task.Attempt,
		})
		return
	}
	e.scheduleRetry(ctx, task, reg.Retry)
}

// Deliver performs one signed HTTP delivery attempt and records it.
func (e *Engine) Deliver(ctx context.Context, reg *Registration, ev jobs.Event, attempt int) *Delivery {
	delivery := &Delivery{
		ID:        uuid.New().String(),
		WebhookID: reg.ID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Attempt:   attempt,
		Timestamp: jobs.NowMillis(),
	}

	body, err := json.Marshal(ev)
	if err != nil {
		delivery.Error = err.Error()
		e.record(ctx, delivery)
		return delivery
	}

	started := time.Now()
	statusCode, snippet, err := e.post(ctx, reg, ev, body)
	delivery.DurationMS = time.Since(started).Milliseconds()
	delivery.StatusCode = statusCode
	delivery.ResponseSnippet = snippet
	delivery.Success = err == nil && statusCode >= 200 && statusCode < 300
	if err != nil {
		delivery.Error = err.Error()
	} else if !delivery.Success {
		delivery.Error = fmt.Sprintf("endpoint returned %d", statusCode)
	}

	e.record(ctx, delivery)
	if !delivery.Success {
		e.logger.Warn().LogActivity("Webhook delivery failed", map[string]any{
			"webhookId": reg.ID,
			"eventId":   ev.ID,
			"attempt":   attempt,
			"status":    statusCode,
			"error":     delivery.Error,
		})
	}
	return delivery
}

// responseSnippetLimit bounds how much of the receiver's response body is
// retained on the delivery record.
const responseSnippetLimit = 1024

func (e *Engine) post(ctx context.Context, reg *Registration, ev jobs.Event, body []byte) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(body, reg.Secret))
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderWebhookID, reg.ID)
	req.Header.Set(HeaderEventID, ev.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetLimit))
	return resp.StatusCode, string(snippet), nil
}

func (e *Engine) record(ctx context.Context, d *Delivery) {
	if err := e.recorder.Record(ctx, d); err != nil {
		e.logger.Error(err).LogActivity("Delivery audit write failed", map[string]any{
			"webhookId":  d.WebhookID,
			"deliveryId": d.ID,
		})
	}
}

// scheduleRetry parks the next attempt on the retry ZSET, scored by its
// due time.
func (e *Engine) scheduleRetry(ctx context.Context, task deliveryTask, rc RetryConfig) {
	next := task
	next.Attempt = task.Attempt + 1
	b, err := json.Marshal(next)
	if err != nil {
		return
	}
	due := jobs.NowMillis() + rc.Delay(next.Attempt)
	if err := e.store.Redis.ZAdd(ctx, retryScheduleKey, redis.Z{
		Score:  float64(due),
		Member: string(b),
	}).Err(); err != nil {
		e.logger.Error(err).LogActivity("Retry scheduling failed", map[string]any{
			"webhookId": task.WebhookID,
		})
	}
}

// pumpRetries moves due redeliveries from the schedule back onto the queue.
// The ZREM guard keeps replicas from double-delivering one entry.
func (e *Engine) pumpRetries(ctx context.Context) {
	now := jobs.NowMillis()
	members, err := e.store.Redis.ZRangeByScore(ctx, retryScheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: 100,
	}).Result()
	if err != nil {
		e.logger.Error(err).LogActivity("Retry schedule read failed", nil)
		return
	}
	for _, raw := range members {
		removed, err := e.store.Redis.ZRem(ctx, retryScheduleKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		var task deliveryTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		e.enqueue(task)
	}
}

// SendTest delivers a synthetic signed event to one webhook and returns the
// attempt record without scheduling retries.
func (e *Engine) SendTest(ctx context.Context, webhookID string) (*Delivery, error) {
	reg, err := e.store.Get(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	ev := jobs.Event{
		ID:        uuid.New().String(),
		Type:      "webhook_test",
		Timestamp: jobs.NowMillis(),
		Data:      map[string]any{"test": true, "webhook_id": webhookID},
	}
	return e.Deliver(ctx, reg, ev, 1), nil
}

// Recorder exposes the audit recorder for the management API.
func (e *Engine) Recorder() DeliveryRecorder { return e.recorder }
