package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/outhook/outhook/internal/domain"
)

func TestRequireTenant_MissingHeader(t *testing.T) {
	handler := requireTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a tenant")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success {
		t.Error("success must be false")
	}
}

func TestRequireTenant_BindsTenant(t *testing.T) {
	var got string
	handler := requireTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = tenantID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil)
	req.Header.Set("X-Tenant-ID", "tenant-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "tenant-42" {
		t.Fatalf("tenant = %q", got)
	}
}

func TestRespondError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, http.StatusNotFound, "subscription not found")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || env.Message != "subscription not found" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHookSample_KnownType(t *testing.T) {
	r := chi.NewRouter()
	h := NewHookHandler(nil)
	r.Get("/hooks/samples/{eventType}", h.Sample)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/samples/decision.saved", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var env struct {
		Success bool            `json:"success"`
		Data    domain.WireBody `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.Event != "decision.saved" || env.Data.APIVersion != domain.APIVersion {
		t.Errorf("sample = %+v", env.Data)
	}
	if len(env.Data.Data) == 0 {
		t.Error("sample payload missing")
	}
}

func TestHookSample_UnknownType(t *testing.T) {
	r := chi.NewRouter()
	h := NewHookHandler(nil)
	r.Get("/hooks/samples/{eventType}", h.Sample)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/samples/nope.never", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var env struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Success || env.Data["status"] != "healthy" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Data["version"] != serviceVersion {
		t.Errorf("version = %q", env.Data["version"])
	}
}
