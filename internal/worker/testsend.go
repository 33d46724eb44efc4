package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/schedule"
)

// TestSendResult is the synchronous outcome returned to the caller of a test
// send. The delivery row it references is flagged as a test and shows up in
// history like any other delivery.
type TestSendResult struct {
	DeliveryID string  `json:"delivery_id"`
	EventID    string  `json:"event_id"`
	Success    bool    `json:"success"`
	StatusCode *int    `json:"status_code,omitempty"`
	LatencyMs  int64   `json:"latency_ms"`
	Error      *string `json:"error,omitempty"`
}

// TestSend delivers a sample payload to one subscription synchronously,
// bypassing the schedule and the breaker. The breaker is not consulted or
// updated: a test send is an operator probe, and probing a struggling
// destination must not mask or extend an open circuit.
func (d *Deliverer) TestSend(ctx context.Context, sub *domain.Subscription) (*TestSendResult, error) {
	if err := d.validator.URL(ctx, sub.URL); err != nil {
		return nil, fmt.Errorf("destination rejected: %w", err)
	}
	if err := d.validator.Headers(sub.Headers); err != nil {
		return nil, fmt.Errorf("headers rejected: %w", err)
	}

	secret, err := d.secrets.DecryptSecret(sub.SecretCiphertext, sub.TenantID, sub.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("secret decryption failed: %w", err)
	}

	eventType := "decision.saved"
	if len(sub.EventTypes) > 0 {
		eventType = sub.EventTypes[0]
	}
	sample := domain.SamplePayload(eventType)
	if sample == nil {
		return nil, fmt.Errorf("no sample payload for event type %q", eventType)
	}

	now := time.Now().UTC()
	event := &domain.Event{
		ID:        uuid.NewString(),
		TenantID:  sub.TenantID,
		EventType: eventType,
		Payload:   sample,
		CreatedAt: now,
	}
	if err := d.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persisting test event: %w", err)
	}

	delivery := domain.Delivery{
		ID:             uuid.NewString(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		Status:         domain.DeliveryPending,
		Attempt:        1,
		MaxAttempts:    1,
		Test:           true,
	}
	if err := d.store.CreateDeliveries(ctx, []domain.Delivery{delivery}); err != nil {
		return nil, fmt.Errorf("persisting test delivery: %w", err)
	}

	body, _ := d.buildBody(event, sub)
	job := schedule.Job{
		DeliveryID:     delivery.ID,
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		TenantID:       sub.TenantID,
		Attempt:        1,
		MaxAttempts:    1,
	}

	client := &http.Client{Timeout: d.testSendTimeout, Transport: d.httpClient.Transport}
	sendCtx, cancel := context.WithTimeout(ctx, d.testSendTimeout)
	defer cancel()
	outcome := d.send(sendCtx, sub, event, job, body, secret, client)

	result := &TestSendResult{
		DeliveryID: delivery.ID,
		EventID:    event.ID,
		Success:    outcome.success(),
		StatusCode: outcome.statusCode,
		LatencyMs:  outcome.latency.Milliseconds(),
	}
	if outcome.success() {
		if err := d.store.MarkDeliverySuccess(ctx, delivery.ID, 1, *outcome.statusCode, outcome.excerpt, outcome.latencyMs(), false); err != nil {
			d.logger.Error("failed to record test delivery success", "error", err, "delivery_id", delivery.ID)
		}
	} else {
		result.Error = &outcome.errMsg
		if err := d.store.MarkDeliveryDeadLetter(ctx, delivery.ID, 1, outcome.statusCode, outcome.excerpt, outcome.latencyMs(), outcome.errMsg); err != nil {
			d.logger.Error("failed to record test delivery failure", "error", err, "delivery_id", delivery.ID)
		}
	}
	return result, nil
}
