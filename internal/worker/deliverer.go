package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/outhook/outhook/internal/breaker"
	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/feed"
	"github.com/outhook/outhook/internal/observability"
	"github.com/outhook/outhook/internal/schedule"
	"github.com/outhook/outhook/internal/secrets"
	"github.com/outhook/outhook/internal/store"
)

const (
	userAgent          = "outhook/1.0"
	responseExcerptCap = 2048
)

// DeliveryStore is the slice of the relational store the delivery path
// touches. *store.PostgresStore satisfies it.
type DeliveryStore interface {
	GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error)
	GetEvent(ctx context.Context, tenantID, id string) (*domain.Event, error)
	CreateEvent(ctx context.Context, event *domain.Event) error
	CreateDeliveries(ctx context.Context, deliveries []domain.Delivery) error
	MarkDeliverySuccess(ctx context.Context, id string, attempt, statusCode int, response string, latencyMs int, truncated bool) error
	MarkDeliveryFailed(ctx context.Context, id, errorClass, message string) error
	RecordDeliveryRetry(ctx context.Context, id string, attempt int, nextDue time.Time, statusCode *int, response string, latencyMs int, errMsg string) error
	MarkDeliveryDeadLetter(ctx context.Context, id string, attempt int, statusCode *int, response string, latencyMs int, errMsg string) error
	RecordSubscriptionSuccess(ctx context.Context, tenantID, id string) error
	RecordSubscriptionFailure(ctx context.Context, tenantID, id, reason string, threshold int) (bool, error)
}

// DestinationValidator gates URLs and headers before every send.
// *validate.Validator satisfies it.
type DestinationValidator interface {
	URL(ctx context.Context, raw string) error
	Headers(headers map[string]string) error
}

// Deliverer executes one delivery attempt end to end: breaker gate,
// re-validation, decryption, signing, transmission and outcome recording.
type Deliverer struct {
	httpClient *http.Client
	store      DeliveryStore
	secrets    *secrets.Engine
	validator  DestinationValidator
	breakers   *breaker.Registry
	schedule   *schedule.Schedule
	metrics    *observability.Metrics
	hub        *feed.Hub
	logger     *slog.Logger

	backoff          BackoffConfig
	maxAttempts      int
	disableThreshold int
	breakerCooldown  time.Duration
	maxBodyBytes     int
	testSendTimeout  time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// DelivererConfig wires a deliverer.
type DelivererConfig struct {
	Store            DeliveryStore
	Secrets          *secrets.Engine
	Validator        DestinationValidator
	Breakers         *breaker.Registry
	Schedule         *schedule.Schedule
	Metrics          *observability.Metrics
	Hub              *feed.Hub
	Logger           *slog.Logger
	Backoff          BackoffConfig
	MaxAttempts      int
	DisableThreshold int
	BreakerCooldown  time.Duration
	DeliverTimeout   time.Duration
	TestSendTimeout  time.Duration
	MaxBodyBytes     int
}

// NewDeliverer creates a deliverer with a shared, pooled HTTP client.
func NewDeliverer(cfg DelivererConfig) *Deliverer {
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 20 * time.Second
	}
	if cfg.TestSendTimeout <= 0 {
		cfg.TestSendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = 10
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = breaker.DefaultCooldown
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 * 1024
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}

	return &Deliverer{
		httpClient: &http.Client{
			Timeout: cfg.DeliverTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		store:            cfg.Store,
		secrets:          cfg.Secrets,
		validator:        cfg.Validator,
		breakers:         cfg.Breakers,
		schedule:         cfg.Schedule,
		metrics:          cfg.Metrics,
		hub:              cfg.Hub,
		logger:           cfg.Logger,
		backoff:          cfg.Backoff,
		maxAttempts:      cfg.MaxAttempts,
		disableThreshold: cfg.DisableThreshold,
		breakerCooldown:  cfg.BreakerCooldown,
		maxBodyBytes:     cfg.MaxBodyBytes,
		testSendTimeout:  cfg.TestSendTimeout,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Deliver processes one claimed job. All outcomes are recorded on the
// delivery row; nothing is raised to a caller.
func (d *Deliverer) Deliver(ctx context.Context, claimed schedule.Claimed) {
	job := claimed.Job

	sub, err := d.store.GetSubscription(ctx, job.TenantID, job.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Subscription deleted after enqueue; the delivery row is gone
			// with it via cascade.
			d.completeJob(ctx, claimed)
			return
		}
		// Store unavailable: leave the job leased, the reclaim sweep retries it.
		d.logger.Error("failed to load subscription", "error", err, "delivery_id", job.DeliveryID)
		return
	}

	if !sub.Active {
		d.failPermanent(ctx, claimed, sub, domain.ErrorClassConfig, "subscription is disabled", false)
		return
	}

	// Breaker gate: an open breaker defers the delivery without burning an
	// attempt or touching the destination.
	if !d.breakers.Allow(sub.ID) {
		d.metrics.BreakerSkips.Inc()
		if err := d.schedule.Requeue(ctx, claimed, job, time.Now().Add(d.breakerCooldown)); err != nil {
			d.logger.Error("failed to defer breaker-open delivery", "error", err, "delivery_id", job.DeliveryID)
		}
		d.publish("skipped", job, sub, "", nil, 0, "circuit open")
		return
	}

	// Re-validate immediately before sending: the URL may have started
	// resolving somewhere it must not reach since configuration time.
	if err := d.validator.URL(ctx, sub.URL); err != nil {
		d.failPermanent(ctx, claimed, sub, domain.ErrorClassConfig, fmt.Sprintf("destination rejected: %v", err), true)
		return
	}
	if err := d.validator.Headers(sub.Headers); err != nil {
		d.failPermanent(ctx, claimed, sub, domain.ErrorClassConfig, fmt.Sprintf("headers rejected: %v", err), true)
		return
	}

	secret, err := d.secrets.DecryptSecret(sub.SecretCiphertext, sub.TenantID, sub.KeyVersion)
	if err != nil {
		d.failPermanent(ctx, claimed, sub, domain.ErrorClassCrypto, "secret decryption failed", true)
		return
	}

	event, err := d.store.GetEvent(ctx, job.TenantID, job.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.failPermanent(ctx, claimed, sub, domain.ErrorClassConfig, "event no longer exists", false)
			return
		}
		d.logger.Error("failed to load event", "error", err, "delivery_id", job.DeliveryID)
		return
	}

	body, truncated := d.buildBody(event, sub)

	outcome := d.send(ctx, sub, event, job, body, secret, d.httpClient)
	d.metrics.AttemptLatency.Observe(float64(outcome.latency) / float64(time.Second))

	if outcome.success() {
		d.metrics.Attempts.WithLabelValues("success").Inc()
		d.metrics.Terminal.WithLabelValues(domain.DeliverySuccess).Inc()
		d.breakers.RecordSuccess(sub.ID)

		if err := d.store.MarkDeliverySuccess(ctx, job.DeliveryID, job.Attempt, *outcome.statusCode, outcome.excerpt, outcome.latencyMs(), truncated); err != nil {
			d.logger.Error("failed to record delivery success", "error", err, "delivery_id", job.DeliveryID)
		}
		if err := d.store.RecordSubscriptionSuccess(ctx, sub.TenantID, sub.ID); err != nil {
			d.logger.Error("failed to reset subscription health", "error", err, "subscription_id", sub.ID)
		}
		d.completeJob(ctx, claimed)

		d.logger.Info("delivery successful",
			"delivery_id", job.DeliveryID,
			"subscription_id", sub.ID,
			"attempt", job.Attempt,
			"status_code", *outcome.statusCode,
			"latency_ms", outcome.latencyMs(),
		)
		d.publish("success", job, sub, event.EventType, outcome.statusCode, outcome.latency, "")
		return
	}

	// Transient failure path.
	d.metrics.Attempts.WithLabelValues("failure").Inc()
	if opened := d.breakers.RecordFailure(sub.ID); opened {
		d.metrics.BreakerOpens.Inc()
	}

	// The job carries the attempt budget recorded on the delivery row; jobs
	// from before budgets were carried fall back to the global default.
	budget := job.MaxAttempts
	if budget <= 0 {
		budget = d.maxAttempts
	}

	if job.Attempt < budget {
		delay := d.nextDelay(job.Attempt)
		nextDue := time.Now().Add(delay)

		if err := d.store.RecordDeliveryRetry(ctx, job.DeliveryID, job.Attempt, nextDue, outcome.statusCode, outcome.excerpt, outcome.latencyMs(), outcome.errMsg); err != nil {
			d.logger.Error("failed to record retry", "error", err, "delivery_id", job.DeliveryID)
		}

		next := job
		next.Attempt++
		if err := d.schedule.Requeue(ctx, claimed, next, nextDue); err != nil {
			d.logger.Error("failed to requeue delivery", "error", err, "delivery_id", job.DeliveryID)
		}

		d.logger.Warn("delivery failed, retrying",
			"delivery_id", job.DeliveryID,
			"subscription_id", sub.ID,
			"attempt", job.Attempt,
			"status_code", outcome.statusCode,
			"error", outcome.errMsg,
			"next_due_in", delay.Round(time.Second).String(),
		)
		d.publish("retrying", job, sub, event.EventType, outcome.statusCode, outcome.latency, outcome.errMsg)
		return
	}

	// Attempts exhausted: dead-letter and count against the subscription.
	d.metrics.Terminal.WithLabelValues(domain.DeliveryDeadLetter).Inc()
	if err := d.store.MarkDeliveryDeadLetter(ctx, job.DeliveryID, job.Attempt, outcome.statusCode, outcome.excerpt, outcome.latencyMs(), outcome.errMsg); err != nil {
		d.logger.Error("failed to mark dead-letter", "error", err, "delivery_id", job.DeliveryID)
	}
	d.recordSubscriptionFailure(ctx, sub)
	d.completeJob(ctx, claimed)

	d.logger.Warn("delivery dead-lettered",
		"delivery_id", job.DeliveryID,
		"subscription_id", sub.ID,
		"attempts", job.Attempt,
		"error", outcome.errMsg,
	)
	d.publish("dead_letter", job, sub, event.EventType, outcome.statusCode, outcome.latency, outcome.errMsg)
}

// attemptOutcome is the per-attempt result of one HTTP transmission.
type attemptOutcome struct {
	statusCode *int
	excerpt    string
	latency    time.Duration
	errMsg     string
}

func (o attemptOutcome) success() bool {
	return o.statusCode != nil && *o.statusCode >= 200 && *o.statusCode < 300
}

func (o attemptOutcome) latencyMs() int {
	return int(o.latency.Milliseconds())
}

// send signs and transmits the payload, returning the raw attempt outcome.
func (d *Deliverer) send(ctx context.Context, sub *domain.Subscription, event *domain.Event, job schedule.Job, body []byte, secret string, client *http.Client) attemptOutcome {
	now := time.Now()
	token := secrets.Sign(body, secret, now)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{errMsg: fmt.Sprintf("building request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Outhook-Event", event.EventType)
	req.Header.Set("X-Outhook-Delivery", job.DeliveryID)
	req.Header.Set("X-Outhook-Timestamp", fmt.Sprintf("%d", now.Unix()))
	req.Header.Set("X-Outhook-Signature", token)
	for name, value := range sub.Headers {
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return attemptOutcome{latency: latency, errMsg: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	// Bounded read: destinations do not get to fill our memory.
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseExcerptCap))

	out := attemptOutcome{
		statusCode: &resp.StatusCode,
		excerpt:    string(excerpt),
		latency:    latency,
	}
	if !out.success() {
		out.errMsg = fmt.Sprintf("destination returned %d", resp.StatusCode)
	}
	return out
}

// buildBody serializes the wire document, picking the payload shape the
// subscription's policy allows. Oversize bodies fall back to the reference-id
// shape and are flagged truncated instead of failing outright.
func (d *Deliverer) buildBody(event *domain.Event, sub *domain.Subscription) ([]byte, bool) {
	data := event.Payload
	if sub.IncludeEnriched && len(event.Enriched) > 0 {
		data = event.Enriched
	}

	body, err := json.Marshal(domain.WireBody{
		Event:      event.EventType,
		EventID:    event.ID,
		Timestamp:  event.CreatedAt.Unix(),
		APIVersion: domain.APIVersion,
		Data:       data,
	})
	if err == nil && len(body) <= d.maxBodyBytes {
		return body, false
	}

	fallback, _ := json.Marshal(domain.WireBody{
		Event:      event.EventType,
		EventID:    event.ID,
		Timestamp:  event.CreatedAt.Unix(),
		APIVersion: domain.APIVersion,
		Data:       event.Payload,
		Truncated:  true,
	})
	return fallback, true
}

// failPermanent terminates a delivery for a configuration or crypto error.
// These never retry; optionally they count against the subscription's streak.
func (d *Deliverer) failPermanent(ctx context.Context, claimed schedule.Claimed, sub *domain.Subscription, class, message string, countFailure bool) {
	job := claimed.Job
	d.metrics.Attempts.WithLabelValues("permanent").Inc()
	d.metrics.Terminal.WithLabelValues(domain.DeliveryFailed).Inc()

	if err := d.store.MarkDeliveryFailed(ctx, job.DeliveryID, class, message); err != nil {
		d.logger.Error("failed to mark delivery failed", "error", err, "delivery_id", job.DeliveryID)
	}
	if countFailure {
		d.recordSubscriptionFailure(ctx, sub)
	}
	d.completeJob(ctx, claimed)

	d.logger.Warn("delivery failed permanently",
		"delivery_id", job.DeliveryID,
		"subscription_id", sub.ID,
		"class", class,
		"reason", message,
	)
	d.publish("failed", job, sub, "", nil, 0, message)
}

func (d *Deliverer) recordSubscriptionFailure(ctx context.Context, sub *domain.Subscription) {
	disabled, err := d.store.RecordSubscriptionFailure(ctx, sub.TenantID, sub.ID,
		"disabled automatically after repeated delivery failures", d.disableThreshold)
	if err != nil {
		d.logger.Error("failed to record subscription failure", "error", err, "subscription_id", sub.ID)
		return
	}
	if disabled {
		d.logger.Warn("subscription auto-disabled",
			"subscription_id", sub.ID,
			"threshold", d.disableThreshold,
		)
	}
}

func (d *Deliverer) completeJob(ctx context.Context, claimed schedule.Claimed) {
	if err := d.schedule.Complete(ctx, claimed); err != nil {
		d.logger.Error("failed to complete schedule entry", "error", err, "delivery_id", claimed.DeliveryID)
	}
}

func (d *Deliverer) nextDelay(attempt int) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.backoff.Delay(attempt, d.rng)
}

func (d *Deliverer) publish(kind string, job schedule.Job, sub *domain.Subscription, eventType string, code *int, latency time.Duration, errMsg string) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(feed.Outcome{
		Kind:           kind,
		DeliveryID:     job.DeliveryID,
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Attempt:        job.Attempt,
		StatusCode:     code,
		LatencyMs:      latency.Milliseconds(),
		Error:          errMsg,
		Timestamp:      time.Now().UTC(),
	})
}
