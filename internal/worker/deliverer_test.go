package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/outhook/outhook/internal/domain"
	"github.com/outhook/outhook/internal/schedule"
	"github.com/outhook/outhook/internal/secrets"
)

func testDeliverer() *Deliverer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Deliverer{
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
		maxBodyBytes: 256 * 1024,
	}
}

func testEvent() *domain.Event {
	return &domain.Event{
		ID:        "evt-1",
		TenantID:  "tenant-1",
		EventType: "decision.saved",
		Payload:   json.RawMessage(`{"decision_id":"dec_9f2c"}`),
		CreatedAt: time.Now().UTC(),
	}
}

func testJob() schedule.Job {
	return schedule.Job{
		DeliveryID:     "dlv-1",
		SubscriptionID: "sub-1",
		EventID:        "evt-1",
		TenantID:       "tenant-1",
		Attempt:        1,
	}
}

func TestSend_SignsAndSetsHeaders(t *testing.T) {
	const secret = "ohsec_test"
	var gotHeaders http.Header
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := testDeliverer()
	sub := &domain.Subscription{
		ID:       "sub-1",
		TenantID: "tenant-1",
		URL:      server.URL,
		Headers:  map[string]string{"X-Custom": "abc"},
	}
	body := []byte(`{"event":"decision.saved","data":{}}`)

	outcome := d.send(context.Background(), sub, testEvent(), testJob(), body, secret, d.httpClient)
	if !outcome.success() {
		t.Fatalf("expected success, got %+v", outcome)
	}

	if got := gotHeaders.Get("X-Outhook-Event"); got != "decision.saved" {
		t.Errorf("X-Outhook-Event = %q", got)
	}
	if got := gotHeaders.Get("X-Outhook-Delivery"); got != "dlv-1" {
		t.Errorf("X-Outhook-Delivery = %q", got)
	}
	if got := gotHeaders.Get("User-Agent"); got != "outhook/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := gotHeaders.Get("X-Custom"); got != "abc" {
		t.Errorf("custom header = %q", got)
	}

	// The signature on the wire must verify against the exact bytes received.
	token := gotHeaders.Get("X-Outhook-Signature")
	if err := secrets.Verify(gotBody, token, secret, secrets.DefaultTolerance); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}
}

func TestSend_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	d := testDeliverer()
	sub := &domain.Subscription{ID: "sub-1", TenantID: "tenant-1", URL: server.URL}

	outcome := d.send(context.Background(), sub, testEvent(), testJob(), []byte(`{}`), "s", d.httpClient)
	if outcome.success() {
		t.Fatal("500 must not count as success")
	}
	if outcome.statusCode == nil || *outcome.statusCode != 500 {
		t.Errorf("statusCode = %v", outcome.statusCode)
	}
	if outcome.excerpt != "boom" {
		t.Errorf("excerpt = %q", outcome.excerpt)
	}
}

func TestSend_ConnectionRefused(t *testing.T) {
	d := testDeliverer()
	sub := &domain.Subscription{ID: "sub-1", TenantID: "tenant-1", URL: "http://127.0.0.1:1"}

	outcome := d.send(context.Background(), sub, testEvent(), testJob(), []byte(`{}`), "s", d.httpClient)
	if outcome.success() {
		t.Fatal("refused connection must not count as success")
	}
	if outcome.statusCode != nil {
		t.Errorf("expected nil status code, got %d", *outcome.statusCode)
	}
	if outcome.errMsg == "" {
		t.Error("expected an error message")
	}
}

func TestSend_ResponseExcerptBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", responseExcerptCap*4)))
	}))
	defer server.Close()

	d := testDeliverer()
	sub := &domain.Subscription{ID: "sub-1", TenantID: "tenant-1", URL: server.URL}

	outcome := d.send(context.Background(), sub, testEvent(), testJob(), []byte(`{}`), "s", d.httpClient)
	if len(outcome.excerpt) != responseExcerptCap {
		t.Errorf("excerpt length = %d, want %d", len(outcome.excerpt), responseExcerptCap)
	}
}

func TestBuildBody_ReferenceShapeByDefault(t *testing.T) {
	d := testDeliverer()
	event := testEvent()
	event.Enriched = json.RawMessage(`{"decision_id":"dec_9f2c","title":"Q3 pricing"}`)
	sub := &domain.Subscription{ID: "sub-1"}

	body, truncated := d.buildBody(event, sub)
	if truncated {
		t.Fatal("small body must not be truncated")
	}

	var wire domain.WireBody
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Event != "decision.saved" || wire.EventID != "evt-1" {
		t.Errorf("envelope = %+v", wire)
	}
	if wire.APIVersion != domain.APIVersion {
		t.Errorf("api_version = %q", wire.APIVersion)
	}
	if string(wire.Data) != `{"decision_id":"dec_9f2c"}` {
		t.Errorf("default shape must carry the reference payload, got %s", wire.Data)
	}
}

func TestBuildBody_EnrichedWhenOptedIn(t *testing.T) {
	d := testDeliverer()
	event := testEvent()
	event.Enriched = json.RawMessage(`{"decision_id":"dec_9f2c","title":"Q3 pricing"}`)
	sub := &domain.Subscription{ID: "sub-1", IncludeEnriched: true}

	body, _ := d.buildBody(event, sub)
	var wire domain.WireBody
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(string(wire.Data), "Q3 pricing") {
		t.Errorf("expected enriched payload, got %s", wire.Data)
	}
}

func TestBuildBody_OversizeFallsBackTruncated(t *testing.T) {
	d := testDeliverer()
	d.maxBodyBytes = 512

	event := testEvent()
	event.Enriched = json.RawMessage(`{"blob":"` + strings.Repeat("x", 2048) + `"}`)
	sub := &domain.Subscription{ID: "sub-1", IncludeEnriched: true}

	body, truncated := d.buildBody(event, sub)
	if !truncated {
		t.Fatal("oversize enriched body must fall back truncated")
	}

	var wire domain.WireBody
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !wire.Truncated {
		t.Error("wire body must be flagged truncated")
	}
	if string(wire.Data) != `{"decision_id":"dec_9f2c"}` {
		t.Errorf("fallback must carry the reference payload, got %s", wire.Data)
	}
}
