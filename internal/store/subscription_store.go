package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/outhook/outhook/internal/domain"
)

// ErrNotFound is returned when a row does not exist within the caller's
// tenant. Guessing another tenant's ids yields the same error.
var ErrNotFound = errors.New("not found")

const subscriptionColumns = `id, tenant_id, url, headers, event_types, filter_ids, filter_tags,
	secret_ciphertext, secret_last4, secret_version, key_version, include_enriched,
	active, disabled_reason, consecutive_failures, last_success_at, last_failure_at,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.URL, &sub.Headers, &sub.EventTypes,
		&sub.FilterIDs, &sub.FilterTags,
		&sub.SecretCiphertext, &sub.SecretLast4, &sub.SecretVersion, &sub.KeyVersion,
		&sub.IncludeEnriched, &sub.Active, &sub.DisabledReason,
		&sub.ConsecutiveFailures, &sub.LastSuccessAt, &sub.LastFailureAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	return &sub, nil
}

// CreateSubscription inserts a subscription whose secret has already been
// encrypted by the caller.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	if sub.FilterIDs == nil {
		sub.FilterIDs = []string{}
	}
	if sub.FilterTags == nil {
		sub.FilterTags = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions
			(tenant_id, url, headers, event_types, filter_ids, filter_tags,
			 secret_ciphertext, secret_last4, secret_version, key_version, include_enriched)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+subscriptionColumns,
		sub.TenantID, sub.URL, sub.Headers, sub.EventTypes, sub.FilterIDs, sub.FilterTags,
		sub.SecretCiphertext, sub.SecretLast4, sub.SecretVersion, sub.KeyVersion, sub.IncludeEnriched,
	)
	created, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanSubscription(row)
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription applies the non-nil fields of req. Re-enabling a
// disabled subscription clears its disablement reason and failure streak.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(clause string, val interface{}) {
		setClauses = append(setClauses, fmt.Sprintf(clause, argIdx))
		args = append(args, val)
		argIdx++
	}

	if req.URL != nil {
		add("url = $%d", *req.URL)
	}
	if req.Headers != nil {
		add("headers = $%d", *req.Headers)
	}
	if req.EventTypes != nil {
		add("event_types = $%d", *req.EventTypes)
	}
	if req.FilterIDs != nil {
		add("filter_ids = $%d", *req.FilterIDs)
	}
	if req.FilterTags != nil {
		add("filter_tags = $%d", *req.FilterTags)
	}
	if req.IncludeEnriched != nil {
		add("include_enriched = $%d", *req.IncludeEnriched)
	}
	if req.Active != nil {
		add("active = $%d", *req.Active)
		if *req.Active {
			setClauses = append(setClauses, "disabled_reason = NULL", "consecutive_failures = 0")
		}
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, tenantID, id)
	}
	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE tenant_id = $%d AND id = $%d
		RETURNING `+subscriptionColumns,
		strings.Join(setClauses, ", "), argIdx, argIdx+1)
	args = append(args, tenantID, id)

	return scanSubscription(s.pool.QueryRow(ctx, query, args...))
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateSecret swaps in a newly encrypted secret and bumps the version. The
// previous secret is invalid for all future sends the moment this commits.
func (s *PostgresStore) RotateSecret(ctx context.Context, tenantID, id, ciphertext, last4 string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET secret_ciphertext = $3, secret_last4 = $4,
		    secret_version = secret_version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+subscriptionColumns,
		tenantID, id, ciphertext, last4)
	return scanSubscription(row)
}

// MatchSubscriptions finds the active subscriptions a new event fans out to:
// same tenant, event type subscribed, and filters (when configured) matching
// the event's resource id or tags.
func (s *PostgresStore) MatchSubscriptions(ctx context.Context, tenantID, eventType, resourceID string, tags []string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		  AND active = true
		  AND $2 = ANY(event_types)
		  AND (filter_ids = '{}' OR $3 = ANY(filter_ids))
		  AND (filter_tags = '{}' OR filter_tags && $4)
	`, tenantID, eventType, resourceID, tags)
	if err != nil {
		return nil, fmt.Errorf("matching subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// RecordSubscriptionSuccess resets the failure streak after a 2xx.
func (s *PostgresStore) RecordSubscriptionSuccess(ctx context.Context, tenantID, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = 0, last_success_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("recording subscription success: %w", err)
	}
	return nil
}

// RecordSubscriptionFailure bumps the failure streak and auto-disables the
// subscription once it crosses threshold. Returns whether it was disabled by
// this call.
func (s *PostgresStore) RecordSubscriptionFailure(ctx context.Context, tenantID, id, reason string, threshold int) (bool, error) {
	var failures int
	var active bool
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    last_failure_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING consecutive_failures, active
	`, tenantID, id).Scan(&failures, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("recording subscription failure: %w", err)
	}

	if !active || failures < threshold {
		return false, nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET active = false, disabled_reason = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND active = true
	`, tenantID, id, reason)
	if err != nil {
		return false, fmt.Errorf("disabling subscription: %w", err)
	}
	return true, nil
}
