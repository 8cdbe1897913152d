package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apm "github.com/fllarpy/elastic-apm-probe"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/storage/inmemory"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

func TestMiddlewareAndClient(t *testing.T) {
	cfg := config.Default()
	cfg.Spans.RenderSource = false
	store := inmemory.NewStore()
	probe, err := apm.NewProbe(context.Background(), cfg, apm.WithAgent(store), apm.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	client := NewClient(probe, nil)

	handler := NewMiddleware(probe, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, backend.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		w.WriteHeader(http.StatusNoContent)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy", nil))

	snapshot := store.GetSnapshot()
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, "204", snapshot.Transactions[0].Result)
	require.Len(t, snapshot.Spans, 1)
	assert.Equal(t, "external", snapshot.Spans[0].Type)
}

func TestNewTransport_DefaultBase(t *testing.T) {
	probe, err := apm.NewProbe(context.Background(), config.Default(), apm.WithAgent(inmemory.NewStore()), apm.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	client := &http.Client{Transport: NewTransport(probe, nil)}
	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
