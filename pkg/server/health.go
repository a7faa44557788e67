package server

import (
	"context"
	"net/http"
	"time"
)

const backendPingTimeout = 3 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthDetailed pings every registered backend. The response is
// 200 as long as the process is alive; per-backend state is in the body.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.backends))
	healthy := true

	for name, backend := range s.backends {
		ctx, cancel := context.WithTimeout(r.Context(), backendPingTimeout)
		err := backend.Ping(ctx)
		cancel()

		if err != nil {
			checks[name] = "unavailable: " + err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"backends": checks,
	})
}
