package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/loom/webhook"
)

// DDL is the delivery audit schema. Applied by deployment tooling, kept
// here so the table shape lives next to the queries that use it.
const DDL = `
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id               TEXT PRIMARY KEY,
    webhook_id       TEXT NOT NULL,
    event_id         TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    attempt          INT NOT NULL,
    status_code      INT,
    success          BOOLEAN NOT NULL,
    error            TEXT,
    response_snippet TEXT,
    duration_ms      BIGINT NOT NULL,
    ts               BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook
    ON webhook_deliveries (webhook_id, ts DESC);
`

// Store records webhook delivery attempts in Postgres for the audit API.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a delivery audit store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the audit schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, DDL)
	return err
}

// Record inserts one delivery attempt row.
func (s *Store) Record(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries
			(id, webhook_id, event_id, event_type, attempt, status_code, success, error, response_snippet, duration_ms, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.WebhookID, d.EventID, d.EventType, d.Attempt,
		d.StatusCode, d.Success, d.Error, d.ResponseSnippet, d.DurationMS, d.Timestamp)
	return err
}

// List returns the most recent delivery attempts of one webhook.
func (s *Store) List(ctx context.Context, webhookID string, limit int) ([]webhook.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, webhook_id, event_id, event_type, attempt, status_code, success, error, response_snippet, duration_ms, ts
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY ts DESC
		LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Attempt,
			&d.StatusCode, &d.Success, &d.Error, &d.ResponseSnippet, &d.DurationMS, &d.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats aggregates the delivery history of one webhook.
func (s *Store) Stats(ctx context.Context, webhookID string) (*webhook.DeliveryStats, error) {
	stats := &webhook.DeliveryStats{WebhookID: webhookID}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(AVG(duration_ms), 0)::BIGINT,
		       COALESCE(MAX(ts), 0)
		FROM webhook_deliveries
		WHERE webhook_id = $1`, webhookID).
		Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.AvgDurationMS, &stats.LastDelivery)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
