package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports backend liveness
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Health returns a handler that checks the attempt-log backend. The attempt
// log being unreachable means no login can be decided, so the service
// reports unhealthy.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	}
}
