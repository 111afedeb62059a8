package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
)

// SystemHandler serves the operational surface that sits outside the
// authenticated API: liveness, readiness, and the metrics scrape.
type SystemHandler struct {
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
	Gatherer  prometheus.Gatherer

	// Checks run on every readiness probe. A check that cannot reach its
	// dependency fails the probe.
	Checks map[string]func(context.Context) error
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	if h.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	now := h.Clock.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "open-pay-go",
		"version":    h.Version,
		"uptime":     now.Sub(h.StartedAt).String(),
		"serverTime": now.Format(time.RFC3339Nano),
	})
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
