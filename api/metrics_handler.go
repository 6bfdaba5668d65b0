package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats handles GET /v1/stats with the in-process request statistics.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		sendError(w, http.StatusServiceUnavailable, "stats_unavailable", "statistics are not being recorded")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*") // Allow dashboard to fetch
	sendJSON(w, http.StatusOK, s.stats.Snapshot())
}

// prometheusHandler serves the Prometheus exposition format on /metrics.
func (s *Server) prometheusHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}
