package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable snapshot of one occurrence. Once constructed it is
// never mutated, only serialized per destination.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	// Enriched holds the human-readable payload shape. Only sent to
	// subscriptions that opted in; nil when the producer supplied none.
	Enriched   json.RawMessage `json:"enriched,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WireBody is the JSON document POSTed to destinations.
type WireBody struct {
	Event      string          `json:"event"`
	EventID    string          `json:"event_id"`
	Timestamp  int64           `json:"timestamp"`
	APIVersion string          `json:"api_version"`
	Data       json.RawMessage `json:"data"`
	Truncated  bool            `json:"truncated,omitempty"`
}

// APIVersion identifies the wire format generation to destinations.
const APIVersion = "2025-08-01"
