// Package engine is the entry point event producers call. It fans one event
// out to every matching subscription: the envelope is persisted, delivery
// records are created, and jobs land on the durable schedule in one pass.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/schedule"
	"github.com/outhook/outhook/internal/store"
)

// ErrInvalidEvent marks producer mistakes (unknown type, malformed JSON) as
// opposed to infrastructure failures.
var ErrInvalidEvent = errors.New("invalid event")

// EmitMeta carries optional routing metadata supplied by the producer.
type EmitMeta struct {
	ResourceID     string
	Tags           []string
	IdempotencyKey string
}

// Result reports what an emit produced. Producers get delivery ids back but
// never see subscriptions or destinations.
type Result struct {
	EventID     string   `json:"event_id"`
	DeliveryIDs []string `json:"delivery_ids"`
}

// FanOut creates deliveries for every subscription matching an event.
type FanOut struct {
	store       *store.PostgresStore
	schedule    *schedule.Schedule
	logger      *slog.Logger
	maxAttempts int
}

func NewFanOut(st *store.PostgresStore, sched *schedule.Schedule, logger *slog.Logger, maxAttempts int) *FanOut {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &FanOut{store: st, schedule: sched, logger: logger, maxAttempts: maxAttempts}
}

// Emit records one immutable event and enqueues a delivery per matching
// subscription, all due immediately.
func (f *FanOut) Emit(ctx context.Context, tenantID, eventType string, data, enriched json.RawMessage, meta EmitMeta) (*Result, error) {
	if !domain.ValidEventType(eventType) {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, fmt.Errorf("%w: event payload must be valid JSON", ErrInvalidEvent)
	}
	if len(enriched) > 0 && !json.Valid(enriched) {
		return nil, fmt.Errorf("%w: enriched payload must be valid JSON", ErrInvalidEvent)
	}

	event := &domain.Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EventType:  eventType,
		Payload:    data,
		Enriched:   enriched,
		ResourceID: meta.ResourceID,
		Tags:       meta.Tags,
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persisting event: %w", err)
	}

	subs, err := f.store.MatchSubscriptions(ctx, tenantID, eventType, meta.ResourceID, meta.Tags)
	if err != nil {
		return nil, fmt.Errorf("matching subscriptions: %w", err)
	}
	if len(subs) == 0 {
		f.logger.Info("no matching subscriptions",
			"event_id", event.ID,
			"event_type", eventType,
		)
		return &Result{EventID: event.ID, DeliveryIDs: []string{}}, nil
	}

	now := time.Now().UTC()
	deliveries := make([]domain.Delivery, 0, len(subs))
	jobs := make([]schedule.Job, 0, len(subs))
	ids := make([]string, 0, len(subs))

	for _, sub := range subs {
		d := domain.Delivery{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			Status:         domain.DeliveryPending,
			MaxAttempts:    f.maxAttempts,
			NextDueAt:      &now,
		}
		if meta.IdempotencyKey != "" {
			key := meta.IdempotencyKey
			d.IdempotencyKey = &key
		}
		deliveries = append(deliveries, d)
		jobs = append(jobs, schedule.Job{
			DeliveryID:     d.ID,
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			TenantID:       tenantID,
			Attempt:        1,
			MaxAttempts:    f.maxAttempts,
		})
		ids = append(ids, d.ID)
	}

	// Delivery rows first, then the schedule. A crash between the two leaves
	// pending rows with no job, which the history endpoint makes visible and
	// a manual retry can re-enqueue; the reverse order could schedule jobs
	// with no record to update.
	if err := f.store.CreateDeliveries(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("persisting deliveries: %w", err)
	}
	if err := f.schedule.EnqueueBatch(ctx, jobs, now); err != nil {
		return nil, fmt.Errorf("enqueueing deliveries: %w", err)
	}

	f.logger.Info("fan-out complete",
		"event_id", event.ID,
		"event_type", eventType,
		"deliveries_queued", len(jobs),
	)
	return &Result{EventID: event.ID, DeliveryIDs: ids}, nil
}
