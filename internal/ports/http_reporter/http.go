package http_reporter

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fllarpy/elastic-apm-probe/domain"
)

// NewHandler creates an HTTP handler that serves a snapshot of the given store as JSON.
func NewHandler(store domain.StoreReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := store.GetSnapshot()

		body, err := json.Marshal(snapshot)
		if err != nil {
			http.Error(w, "Failed to encode snapshot to JSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write(body)
	})
}

// NewMetricsHandler serves the metrics gathered by g.
func NewMetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
