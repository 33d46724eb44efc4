package domain

import "time"

// Subscription is a tenant's registration of interest in one or more event types,
// delivered to a single HTTPS destination.
type Subscription struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	EventTypes    []string          `json:"event_types"`
	FilterIDs     []string          `json:"filter_ids,omitempty"`
	FilterTags    []string          `json:"filter_tags,omitempty"`

	// SecretCiphertext is never exposed over the API; SecretLast4 is the only
	// hint a caller gets after creation.
	SecretCiphertext string `json:"-"`
	SecretLast4      string `json:"secret_last4"`
	SecretVersion    int    `json:"secret_version"`
	KeyVersion       int    `json:"-"`

	// IncludeEnriched opts the destination into human-readable payload fields.
	// Defaults to false: reference ids only.
	IncludeEnriched bool `json:"include_enriched"`

	Active              bool       `json:"active"`
	DisabledReason      *string    `json:"disabled_reason,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateSubscriptionRequest struct {
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	EventTypes      []string          `json:"event_types"`
	FilterIDs       []string          `json:"filter_ids,omitempty"`
	FilterTags      []string          `json:"filter_tags,omitempty"`
	IncludeEnriched bool              `json:"include_enriched"`
}

type UpdateSubscriptionRequest struct {
	URL             *string            `json:"url,omitempty"`
	Headers         *map[string]string `json:"headers,omitempty"`
	EventTypes      *[]string          `json:"event_types,omitempty"`
	FilterIDs       *[]string          `json:"filter_ids,omitempty"`
	FilterTags      *[]string          `json:"filter_tags,omitempty"`
	IncludeEnriched *bool              `json:"include_enriched,omitempty"`
	Active          *bool              `json:"active,omitempty"`
}

// CreateSubscriptionResponse carries the plaintext secret. This is the only
// moment it is ever returned.
type CreateSubscriptionResponse struct {
	Subscription Subscription `json:"subscription"`
	Secret       string       `json:"secret"`
}
