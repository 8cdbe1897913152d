package http_reporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/metrics"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/storage/inmemory"
)

func TestSnapshotHandler(t *testing.T) {
	store := inmemory.NewStore()

	for _, name := range []string{"GET /api/v1/users", "POST /api/v2/posts"} {
		tx := store.StartTransaction(name)
		store.PutEvent(apm.NewSpan(apm.SpanCandidate{Name: "SELECT", Type: "db", Subtype: "sqlite", Action: "query", Duration: 1.5}, tx))
		tx.Result = "200"
		tx.Stop(12)
		store.PutEvent(tx)
	}
	require.NoError(t, store.Send(context.Background()))

	handler := NewHandler(store)
	req := httptest.NewRequest(http.MethodGet, "/debug/apm", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "handler should return status OK")
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var snapshot domain.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snapshot), "Failed to unmarshal response body")

	require.Len(t, snapshot.Transactions, 2)
	assert.Equal(t, "GET /api/v1/users", snapshot.Transactions[0].Name)
	assert.Equal(t, "POST /api/v2/posts", snapshot.Transactions[1].Name)
	assert.Equal(t, 12.0, snapshot.Transactions[0].Duration)
	require.Len(t, snapshot.Spans, 2)
	assert.Equal(t, snapshot.Transactions[1].ID, snapshot.Spans[1].TransactionID)
	assert.Equal(t, uint64(1), snapshot.Sends)
}

func TestSnapshotHandler_EmptyStore(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(inmemory.NewStore()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"transactions":null,"spans":null,"sends":0}`, rr.Body.String())
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SpanRecorded("db")
	m.SpanRecorded("db")
	m.TransactionFinalized()
	m.DeliveryFailed()

	rr := httptest.NewRecorder()
	NewMetricsHandler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `apm_probe_spans_recorded_total{type="db"} 2`)
	assert.Contains(t, body, "apm_probe_transactions_total 1")
	assert.Contains(t, body, "apm_probe_delivery_failures_total 1")
}
