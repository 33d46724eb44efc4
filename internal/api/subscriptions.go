package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outhook/outhook/internal/breaker"
	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/secrets"
	"github.com/outhook/outhook/internal/store"
	"github.com/outhook/outhook/internal/validate"
	"github.com/outhook/outhook/internal/worker"
)

type SubscriptionHandler struct {
	store     *store.PostgresStore
	secrets   *secrets.Engine
	validator *validate.Validator
	breakers  *breaker.Registry
	deliverer *worker.Deliverer
}

func NewSubscriptionHandler(s *store.PostgresStore, eng *secrets.Engine, v *validate.Validator, b *breaker.Registry, d *worker.Deliverer) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, secrets: eng, validator: v, breakers: b, deliverer: d}
}

// validateCreate checks everything a subscription registration can get wrong.
// Returns a user-facing message, or "" when the request is acceptable.
func (h *SubscriptionHandler) validateCreate(r *http.Request, req *domain.CreateSubscriptionRequest) string {
	if req.URL == "" {
		return "url is required"
	}
	if len(req.EventTypes) == 0 {
		return "at least one event type is required"
	}
	for _, et := range req.EventTypes {
		if !domain.ValidEventType(et) {
			return fmt.Sprintf("unknown event type %q", et)
		}
	}
	if err := h.validator.URL(r.Context(), req.URL); err != nil {
		return fmt.Sprintf("destination rejected: %v", err)
	}
	if err := h.validator.Headers(req.Headers); err != nil {
		return fmt.Sprintf("headers rejected: %v", err)
	}
	return ""
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := h.validateCreate(r, &req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	secret, err := secrets.NewSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	ciphertext, last4, err := h.secrets.EncryptSecret(secret, tenantID(r), secrets.CurrentKeyVersion)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encrypt secret")
		return
	}

	sub := &domain.Subscription{
		TenantID:         tenantID(r),
		URL:              req.URL,
		Headers:          req.Headers,
		EventTypes:       req.EventTypes,
		FilterIDs:        req.FilterIDs,
		FilterTags:       req.FilterTags,
		SecretCiphertext: ciphertext,
		SecretLast4:      last4,
		SecretVersion:    1,
		KeyVersion:       secrets.CurrentKeyVersion,
		IncludeEnriched:  req.IncludeEnriched,
	}
	created, err := h.store.CreateSubscription(r.Context(), sub)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	// The plaintext secret is returned here and never again.
	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		Subscription: *created,
		Secret:       secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context(), tenantID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != nil {
		if err := h.validator.URL(r.Context(), *req.URL); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("destination rejected: %v", err))
			return
		}
	}
	if req.Headers != nil {
		if err := h.validator.Headers(*req.Headers); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("headers rejected: %v", err))
			return
		}
	}
	if req.EventTypes != nil {
		if len(*req.EventTypes) == 0 {
			respondError(w, http.StatusBadRequest, "at least one event type is required")
			return
		}
		for _, et := range *req.EventTypes {
			if !domain.ValidEventType(et) {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", et))
				return
			}
		}
	}

	sub, err := h.store.UpdateSubscription(r.Context(), tenantID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	// Re-enabling clears the failure streak; the breaker should not carry the
	// old streak into the fresh start either.
	if req.Active != nil && *req.Active {
		h.breakers.Forget(sub.ID)
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteSubscription(r.Context(), tenantID(r), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	h.breakers.Forget(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}

	type healthResponse struct {
		SubscriptionID      string        `json:"subscription_id"`
		Active              bool          `json:"active"`
		DisabledReason      *string       `json:"disabled_reason,omitempty"`
		ConsecutiveFailures int           `json:"consecutive_failures"`
		LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
		LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
		CircuitBreaker      breaker.State `json:"circuit_breaker"`
	}
	respondJSON(w, http.StatusOK, healthResponse{
		SubscriptionID:      sub.ID,
		Active:              sub.Active,
		DisabledReason:      sub.DisabledReason,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastSuccessAt:       sub.LastSuccessAt,
		LastFailureAt:       sub.LastFailureAt,
		CircuitBreaker:      h.breakers.Snapshot(sub.ID),
	})
}

func (h *SubscriptionHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetSubscription(r.Context(), tenant, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}

	secret, err := secrets.NewSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	ciphertext, last4, err := h.secrets.EncryptSecret(secret, tenant, secrets.CurrentKeyVersion)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encrypt secret")
		return
	}

	sub, err := h.store.RotateSecret(r.Context(), tenant, id, ciphertext, last4)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}

	respondJSON(w, http.StatusOK, domain.CreateSubscriptionResponse{
		Subscription: *sub,
		Secret:       secret,
	})
}

func (h *SubscriptionHandler) TestSend(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}

	result, err := h.deliverer.TestSend(r.Context(), sub)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}
