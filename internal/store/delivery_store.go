package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outhook/outhook/internal/domain"
)

const deliveryColumns = `id, tenant_id, subscription_id, event_id, status, attempt, max_attempts,
	next_due_at, last_status_code, last_response, last_latency_ms, last_error, error_class,
	idempotency_key, truncated, test, created_at, updated_at`

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	err := row.Scan(
		&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventID, &d.Status,
		&d.Attempt, &d.MaxAttempts, &d.NextDueAt,
		&d.LastStatusCode, &d.LastResponse, &d.LastLatencyMs, &d.LastError, &d.ErrorClass,
		&d.IdempotencyKey, &d.Truncated, &d.Test, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning delivery: %w", err)
	}
	return &d, nil
}

// CreateDeliveries inserts a fan-out batch in one transaction, so either the
// whole set exists or none of it does.
func (s *PostgresStore) CreateDeliveries(ctx context.Context, deliveries []domain.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range deliveries {
		_, err := tx.Exec(ctx, `
			INSERT INTO deliveries
				(id, tenant_id, subscription_id, event_id, status, attempt, max_attempts,
				 next_due_at, idempotency_key, test)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, d.ID, d.TenantID, d.SubscriptionID, d.EventID, d.Status,
			d.Attempt, d.MaxAttempts, d.NextDueAt, d.IdempotencyKey, d.Test)
		if err != nil {
			return fmt.Errorf("inserting delivery: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing deliveries: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, tenantID, id string) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanDelivery(row)
}

// ListDeliveries returns delivery history for a tenant, newest first, with
// optional subscription and status filters.
func (s *PostgresStore) ListDeliveries(ctx context.Context, tenantID, subscriptionID, status string, limit, offset int) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	argIdx := 2

	if subscriptionID != "" {
		query += fmt.Sprintf(" AND subscription_id = $%d", argIdx)
		args = append(args, subscriptionID)
		argIdx++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++

	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// MarkDeliverySuccess records a 2xx outcome on the winning attempt.
func (s *PostgresStore) MarkDeliverySuccess(ctx context.Context, id string, attempt, statusCode int, response string, latencyMs int, truncated bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = $2, attempt = $3, last_status_code = $4, last_response = $5,
		    last_latency_ms = $6, truncated = $7, next_due_at = NULL, last_error = NULL,
		    error_class = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, domain.DeliverySuccess, attempt, statusCode, response, latencyMs, truncated)
	if err != nil {
		return fmt.Errorf("marking delivery success: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a permanent (non-retryable) failure.
func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id, errorClass, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = $2, error_class = $3, last_error = $4, next_due_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, domain.DeliveryFailed, errorClass, message)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	return nil
}

// RecordDeliveryRetry stores the transient outcome of one attempt and the
// computed next due time.
func (s *PostgresStore) RecordDeliveryRetry(ctx context.Context, id string, attempt int, nextDue time.Time, statusCode *int, response string, latencyMs int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET attempt = $2, next_due_at = $3, last_status_code = $4, last_response = $5,
		    last_latency_ms = $6, last_error = $7, error_class = $8, updated_at = NOW()
		WHERE id = $1
	`, id, attempt, nextDue, statusCode, nullable(response), latencyMs, nullable(errMsg), domain.ErrorClassTransient)
	if err != nil {
		return fmt.Errorf("recording delivery retry: %w", err)
	}
	return nil
}

// MarkDeliveryDeadLetter terminates a delivery after its attempts ran out.
func (s *PostgresStore) MarkDeliveryDeadLetter(ctx context.Context, id string, attempt int, statusCode *int, response string, latencyMs int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = $2, attempt = $3, next_due_at = NULL, last_status_code = $4,
		    last_response = $5, last_latency_ms = $6, last_error = $7, error_class = $8,
		    updated_at = NOW()
		WHERE id = $1
	`, id, domain.DeliveryDeadLetter, attempt, statusCode, nullable(response), latencyMs, nullable(errMsg), domain.ErrorClassTransient)
	if err != nil {
		return fmt.Errorf("marking delivery dead-letter: %w", err)
	}
	return nil
}

// ResetDeliveryForRetry moves a terminal delivery back to pending with a fresh
// attempt budget. Only terminal deliveries can be retried manually; the event
// id and idempotency key are untouched, so the destination sees a replay, not
// a fabricated new event.
func (s *PostgresStore) ResetDeliveryForRetry(ctx context.Context, tenantID, id string) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET status = $3, attempt = 0, next_due_at = NOW(), last_error = NULL,
		    error_class = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		  AND status IN ($4, $5, $6)
		RETURNING `+deliveryColumns,
		tenantID, id, domain.DeliveryPending,
		domain.DeliverySuccess, domain.DeliveryFailed, domain.DeliveryDeadLetter)
	return scanDelivery(row)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
