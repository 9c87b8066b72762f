package deliverylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vigilops/vigil/pkg/observability"
)

// DBStore persists delivery records to PostgreSQL so history survives
// restarts. The delivery queues themselves stay in memory; only the attempt
// trail is durable.
type DBStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewDBStore creates a database-backed record store and ensures the
// webhook_deliveries table exists
func NewDBStore(db *sql.DB, logger *observability.Logger) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	store := &DBStore{
		db:     db,
		logger: logger,
	}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure webhook_deliveries table: %w", err)
	}
	return store, nil
}

func (s *DBStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id BIGSERIAL PRIMARY KEY,
		delivery_id VARCHAR(100) NOT NULL,
		webhook_id VARCHAR(100) NOT NULL,
		event VARCHAR(100) NOT NULL,
		attempt INTEGER NOT NULL,
		status VARCHAR(20) NOT NULL,
		status_code INTEGER,
		response_body TEXT,
		error_message TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook_id ON webhook_deliveries(webhook_id);
	CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created_at ON webhook_deliveries(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Record inserts one delivery attempt. Insert failures are logged and
// swallowed: history must never fail a delivery.
func (s *DBStore) Record(rec Record) {
	query := `
	INSERT INTO webhook_deliveries
		(delivery_id, webhook_id, event, attempt, status, status_code, response_body, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Exec(query,
		rec.DeliveryID,
		rec.WebhookID,
		rec.Event,
		rec.Attempt,
		rec.Status,
		rec.StatusCode,
		rec.ResponseBody,
		rec.ErrorMessage,
		rec.CreatedAt,
	)
	if err != nil && s.logger != nil {
		s.logger.WithError(err).WithField("delivery_id", rec.DeliveryID).
			Error("failed to persist delivery record")
	}
}

// ListByWebhook returns the most recent records for a webhook, newest first
func (s *DBStore) ListByWebhook(webhookID string, limit int) []Record {
	query := `
	SELECT id, delivery_id, webhook_id, event, attempt, status,
	       COALESCE(status_code, 0), COALESCE(response_body, ''), COALESCE(error_message, ''), created_at
	FROM webhook_deliveries
	WHERE webhook_id = $1
	ORDER BY created_at DESC`
	args := []interface{}{webhookID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("failed to query delivery records")
		}
		return nil
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.DeliveryID,
			&rec.WebhookID,
			&rec.Event,
			&rec.Attempt,
			&rec.Status,
			&rec.StatusCode,
			&rec.ResponseBody,
			&rec.ErrorMessage,
			&rec.CreatedAt,
		); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Error("failed to scan delivery record")
			}
			return result
		}
		result = append(result, rec)
	}
	return result
}

// Cleanup deletes records older than the retention window and returns the
// number of rows removed
func (s *DBStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up delivery records: %w", err)
	}
	return result.RowsAffected()
}
