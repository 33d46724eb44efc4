package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outhook/outhook/internal/schedule"
	"github.com/outhook/outhook/internal/store"
)

// Scheduler is the slice of the delivery schedule the API needs: manual retry
// re-enqueues exactly one job.
type Scheduler interface {
	Enqueue(ctx context.Context, job schedule.Job, dueAt time.Time) error
}

type DeliveryHandler struct {
	store    *store.PostgresStore
	schedule Scheduler
}

func NewDeliveryHandler(s *store.PostgresStore, sched Scheduler) *DeliveryHandler {
	return &DeliveryHandler{store: s, schedule: sched}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	status := r.URL.Query().Get("status")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), tenantID(r), subscriptionID, status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.store.GetDelivery(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "delivery not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	respondJSON(w, http.StatusOK, delivery)
}

// Retry moves a terminal delivery back to pending with a fresh attempt budget
// and puts it on the schedule, due immediately.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	id := chi.URLParam(r, "id")

	existing, err := h.store.GetDelivery(r.Context(), tenant, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "delivery not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if !existing.Terminal() {
		respondError(w, http.StatusConflict, "only terminal deliveries can be retried")
		return
	}

	delivery, err := h.store.ResetDeliveryForRetry(r.Context(), tenant, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with another retry; the first one won.
			respondError(w, http.StatusConflict, "delivery is no longer retryable")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to reset delivery")
		return
	}

	job := schedule.Job{
		DeliveryID:     delivery.ID,
		SubscriptionID: delivery.SubscriptionID,
		EventID:        delivery.EventID,
		TenantID:       delivery.TenantID,
		Attempt:        1,
		MaxAttempts:    delivery.MaxAttempts,
	}
	if err := h.schedule.Enqueue(r.Context(), job, time.Now()); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to enqueue retry")
		return
	}
	respondJSON(w, http.StatusOK, delivery)
}
