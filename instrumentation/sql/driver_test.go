package sql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"modernc.org/sqlite"

	apm "github.com/fllarpy/elastic-apm-probe"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/storage/inmemory"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Spans.RenderSource = false
	store := inmemory.NewStore()
	probe, err := apm.NewProbe(context.Background(), cfg, apm.WithAgent(store), apm.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	db, err := Open(probe, "sqlite-instrumented", &sqlite.Driver{}, ":memory:", WithSubtype("sqlite"), WithDatabase("main"))
	require.NoError(t, err)
	defer db.Close()

	// a second Open reuses the registered driver
	again, err := Open(probe, "sqlite-instrumented", &sqlite.Driver{}, ":memory:")
	require.NoError(t, err)
	defer again.Close()

	handler := probe.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := db.ExecContext(r.Context(), `CREATE TABLE items (id INTEGER)`)
		require.NoError(t, err)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/items", nil))

	snapshot := store.GetSnapshot()
	require.Len(t, snapshot.Spans, 1)
	assert.Equal(t, "CREATE", snapshot.Spans[0].Name)
	assert.Equal(t, "sqlite", snapshot.Spans[0].Subtype)
}

func TestOpen_ReportsOnlyRequestContextCalls(t *testing.T) {
	cfg := config.Default()
	cfg.Spans.RenderSource = false
	store := inmemory.NewStore()
	probe, err := apm.NewProbe(context.Background(), cfg, apm.WithAgent(store), apm.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	db, err := Open(probe, "sqlite-request-context", &sqlite.Driver{}, ":memory:", WithSubtype("sqlite"))
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	handler := probe.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := db.Exec(`SELECT 'background'`)
		require.NoError(t, err)
		_, err = db.ExecContext(r.Context(), `SELECT 'request'`)
		require.NoError(t, err)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	snapshot := store.GetSnapshot()
	require.Len(t, snapshot.Transactions, 1)
	require.Len(t, snapshot.Spans, 1)
	require.NotNil(t, snapshot.Spans[0].Context)
	require.NotNil(t, snapshot.Spans[0].Context.DB)
	assert.Equal(t, "SELECT 'request'", snapshot.Spans[0].Context.DB.Statement)
}
