package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/remiges-tech/loom/jobs"
)

// ErrWebhookNotFound is returned for lookups of unknown webhook ids.
var ErrWebhookNotFound = errors.New("webhook not found")

// registryKey is the Redis hash holding all registrations, one JSON
// document per webhook id.
const registryKey = "webhooks:registry"

// retryScheduleKey is the ZSET of pending redeliveries scored by their
// next-attempt time in unix milliseconds.
const retryScheduleKey = "webhooks:retry"

// Store persists webhook registrations in Redis so every hub replica sees
// the same set.
type Store struct {
	Redis  *redis.Client
	Logger *logharbour.Logger
}

// NewStore creates a webhook registration store.
func NewStore(client *redis.Client, logger *logharbour.Logger) *Store {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Store{Redis: client, Logger: logger}
}

// Save writes a registration, assigning an id and timestamps on first save.
func (s *Store) Save(ctx context.Context, reg *Registration) error {
	now := jobs.NowMillis()
	if reg.ID == "" {
		reg.ID = uuid.New().String()
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now
	if reg.Retry.MaxAttempts == 0 {
		reg.Retry = DefaultRetryConfig
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := s.Redis.HSet(ctx, registryKey, reg.ID, string(b)).Err(); err != nil {
		return err
	}
	s.Logger.Info().LogActivity("Webhook registration saved", map[string]any{
		"webhookId": reg.ID,
		"url":       reg.URL,
		"events":    reg.Events,
	})
	return nil
}

// Get loads one registration.
func (s *Store) Get(ctx context.Context, id string) (*Registration, error) {
	raw, err := s.Redis.HGet(ctx, registryKey, id).Result()
	if err == redis.Nil {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// List returns every registration.
func (s *Store) List(ctx context.Context) ([]*Registration, error) {
	all, err := s.Redis.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Registration, 0, len(all))
	for id, raw := range all {
		var reg Registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			s.Logger.Warn().LogActivity("Skipping corrupt webhook registration", map[string]any{
				"webhookId": id,
			})
			continue
		}
		out = append(out, &reg)
	}
	return out, nil
}

// Delete removes a registration.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.Redis.HDel(ctx, registryKey, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWebhookNotFound
	}
	s.Logger.Info().LogActivity("Webhook registration deleted", map[string]any{
		"webhookId": id,
	})
	return nil
}
