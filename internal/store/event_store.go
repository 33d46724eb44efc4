package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/outhook/outhook/internal/domain"
)

// CreateEvent persists an immutable event envelope. The id is assigned by the
// caller so delivery jobs can reference it before the insert returns.
func (s *PostgresStore) CreateEvent(ctx context.Context, ev *domain.Event) error {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, tenant_id, event_type, payload, enriched, resource_id, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.TenantID, ev.EventType, ev.Payload, ev.Enriched, ev.ResourceID, tags, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, tenantID, id string) (*domain.Event, error) {
	var ev domain.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, event_type, payload, enriched, resource_id, tags, created_at
		FROM events WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(
		&ev.ID, &ev.TenantID, &ev.EventType, &ev.Payload, &ev.Enriched,
		&ev.ResourceID, &ev.Tags, &ev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return &ev, nil
}
