package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/secrets"
	"github.com/outhook/outhook/internal/store"
)

// HookHandler is the REST-hooks compatibility surface: one-call subscribe and
// unsubscribe verbs for integration platforms, layered over the subscription
// machinery.
type HookHandler struct {
	subs *SubscriptionHandler
}

func NewHookHandler(subs *SubscriptionHandler) *HookHandler {
	return &HookHandler{subs: subs}
}

type subscribeRequest struct {
	TargetURL string `json:"target_url"`
	Event     string `json:"event"`
}

type subscribeResponse struct {
	ID        string `json:"id"`
	TargetURL string `json:"target_url"`
	Event     string `json:"event"`
	Secret    string `json:"secret"`
}

// Subscribe registers a single-event subscription and returns its handle. The
// caller polls GET /hooks/samples/{eventType} for field mapping.
func (h *HookHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetURL == "" {
		respondError(w, http.StatusBadRequest, "target_url is required")
		return
	}
	if !domain.ValidEventType(req.Event) {
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	createReq := domain.CreateSubscriptionRequest{
		URL:        req.TargetURL,
		EventTypes: []string{req.Event},
	}
	if msg := h.subs.validateCreate(r, &createReq); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	secret, err := secrets.NewSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	ciphertext, last4, err := h.subs.secrets.EncryptSecret(secret, tenantID(r), secrets.CurrentKeyVersion)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encrypt secret")
		return
	}

	created, err := h.subs.store.CreateSubscription(r.Context(), &domain.Subscription{
		TenantID:         tenantID(r),
		URL:              req.TargetURL,
		EventTypes:       []string{req.Event},
		SecretCiphertext: ciphertext,
		SecretLast4:      last4,
		SecretVersion:    1,
		KeyVersion:       secrets.CurrentKeyVersion,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, subscribeResponse{
		ID:        created.ID,
		TargetURL: created.URL,
		Event:     req.Event,
		Secret:    secret,
	})
}

// Unsubscribe deletes the hook. Idempotent from the caller's point of view:
// a repeat delete of the same handle is still a 404, which REST-hooks clients
// treat as already-gone.
func (h *HookHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.subs.store.DeleteSubscription(r.Context(), tenantID(r), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "hook not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete hook")
		return
	}
	h.subs.breakers.Forget(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// Sample returns the catalog sample for one event type, wrapped in the same
// envelope destinations receive, so integration platforms can map fields.
func (h *HookHandler) Sample(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")
	payload := domain.SamplePayload(eventType)
	if payload == nil {
		respondError(w, http.StatusNotFound, "unknown event type")
		return
	}
	respondJSON(w, http.StatusOK, domain.WireBody{
		Event:      eventType,
		EventID:    "evt_sample",
		Timestamp:  0,
		APIVersion: domain.APIVersion,
		Data:       payload,
	})
}
