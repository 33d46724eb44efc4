package api

import "net/http"

const serviceVersion = "1.0.0"

// HealthHandler reports process liveness in the standard envelope. It touches
// no dependencies; backing-store problems surface at startup and in metrics,
// not here.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"version": serviceVersion,
		})
	}
}
