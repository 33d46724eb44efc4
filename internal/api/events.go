package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/engine"
	"github.com/outhook/outhook/internal/store"
)

type EventHandler struct {
	store  *store.PostgresStore
	fanout *engine.FanOut
}

func NewEventHandler(s *store.PostgresStore, f *engine.FanOut) *EventHandler {
	return &EventHandler{store: s, fanout: f}
}

type emitEventRequest struct {
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Enriched       json.RawMessage `json:"enriched,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Emit accepts one event from a producer and fans it out.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}

	result, err := h.fanout.Emit(r.Context(), tenantID(r), req.EventType, req.Payload, req.Enriched, engine.EmitMeta{
		ResourceID:     req.ResourceID,
		Tags:           req.Tags,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidEvent) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to emit event")
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.store.GetEvent(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// Catalog lists the closed set of event types with their sample payloads.
func (h *EventHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, domain.Catalog)
}
