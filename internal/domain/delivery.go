package domain

import "time"

// Delivery statuses. Transitions are owned by the dispatcher; the only outside
// mutation is a manual retry, which moves a terminal delivery back to pending.
const (
	DeliveryPending    = "pending"
	DeliverySuccess    = "success"
	DeliveryFailed     = "failed" // permanent: config or crypto error
	DeliveryDeadLetter = "dead_letter"
)

// Error classifications recorded on failed attempts.
const (
	ErrorClassConfig    = "config"
	ErrorClassCrypto    = "crypto"
	ErrorClassTransient = "transient"
)

// Delivery is one subscription's attempt lifecycle for one event.
type Delivery struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`

	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	NextDueAt   *time.Time `json:"next_due_at,omitempty"`

	LastStatusCode  *int    `json:"last_status_code,omitempty"`
	LastResponse    *string `json:"last_response,omitempty"`
	LastLatencyMs   *int    `json:"last_latency_ms,omitempty"`
	LastError       *string `json:"last_error,omitempty"`
	ErrorClass      *string `json:"error_class,omitempty"`
	IdempotencyKey  *string `json:"idempotency_key,omitempty"`
	Truncated       bool    `json:"truncated"`
	Test            bool    `json:"test"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the delivery has finished its lifecycle.
func (d *Delivery) Terminal() bool {
	switch d.Status {
	case DeliverySuccess, DeliveryFailed, DeliveryDeadLetter:
		return true
	}
	return false
}
