// A local receiver for exercising deliveries end to end. It verifies
// signatures with the secret in WEBHOOK_SECRET and offers endpoints with
// different failure behaviors.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/outhook/outhook/internal/secrets"
)

var requestCount atomic.Int64

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	secret := os.Getenv("WEBHOOK_SECRET")

	// Always returns 200.
	http.HandleFunc("/hooks/ok", handler(secret, func(n int64) int {
		return http.StatusOK
	}))

	// Always returns 500, for watching retries and dead-lettering.
	http.HandleFunc("/hooks/fail", handler(secret, func(n int64) int {
		return http.StatusInternalServerError
	}))

	// Fails twice out of every three requests, for watching the breaker.
	http.HandleFunc("/hooks/flaky", handler(secret, func(n int64) int {
		if n%3 == 0 {
			return http.StatusOK
		}
		return http.StatusServiceUnavailable
	}))

	// Delays 3 seconds, for exercising delivery timeouts.
	http.HandleFunc("/hooks/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		handler(secret, func(n int64) int { return http.StatusOK })(w, r)
	})

	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("receiver starting on :%s", port)
	log.Printf("  POST /hooks/ok     -> 200")
	log.Printf("  POST /hooks/fail   -> 500")
	log.Printf("  POST /hooks/flaky  -> 503 twice, then 200")
	log.Printf("  POST /hooks/slow   -> 200 after 3s")
	log.Printf("  GET  /stats        -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handler(secret string, status func(n int64) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := requestCount.Add(1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		verified := "unverified"
		if secret != "" {
			token := r.Header.Get("X-Outhook-Signature")
			if err := secrets.Verify(body, token, secret, secrets.DefaultTolerance); err != nil {
				logRequest(r, n, http.StatusUnauthorized, "BAD SIGNATURE")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "signature verification failed"})
				return
			}
			verified = "verified"
		}

		code := status(n)
		logRequest(r, n, code, verified)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(code)})
	}
}

func logRequest(r *http.Request, count int64, status int, note string) {
	fmt.Printf("[#%d] %s %s -> %d (%s) | event=%s delivery=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		note,
		r.Header.Get("X-Outhook-Event"),
		truncate(r.Header.Get("X-Outhook-Delivery"), 8),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
