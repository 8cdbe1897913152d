package apm_probe

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	"pgregory.net/rapid"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/storage/inmemory"
	"github.com/fllarpy/elastic-apm-probe/internal/adapters/apmsql"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Exporter = "memory"
	cfg.Spans.RenderSource = false
	return cfg
}

func newTestProbe(t *testing.T, cfg *config.Config, opts ...Option) (*Probe, *inmemory.Store) {
	t.Helper()
	store := inmemory.NewStore()
	opts = append([]Option{WithAgent(store), WithLogger(zap.NewNop())}, opts...)
	probe, err := NewProbe(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = probe.Shutdown(context.Background()) })
	return probe, store
}

func openDB(t *testing.T, probe *Probe) *sql.DB {
	t.Helper()
	name := "sqlite-" + strings.ReplaceAll(t.Name(), "/", "-")
	probe.RegisterSQLDriver(name, &sqlite.Driver{}, apmsql.WithSubtype("sqlite"), apmsql.WithDatabase("main"))
	db, err := sql.Open(name, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestProbe_RecordsRequest(t *testing.T) {
	probe, store := newTestProbe(t, testConfig(), WithUserResolver(func(r *http.Request) (User, bool) {
		return User{ID: "7", Username: "ada"}, true
	}))
	require.True(t, probe.Enabled())

	db := openDB(t, probe)
	_, err := db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()
	client := probe.NewClient(backend.Client())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		var count int
		require.NoError(t, db.QueryRowContext(r.Context(), `SELECT count(*) FROM users WHERE id = ?`, r.PathValue("id")).Scan(&count))

		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, backend.URL+"/audit", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		fmt.Fprint(w, count)
	})

	rr := httptest.NewRecorder()
	probe.Middleware(mux).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users/42", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	snapshot := store.GetSnapshot()
	require.Len(t, snapshot.Transactions, 1)
	tx := snapshot.Transactions[0]
	assert.Equal(t, "GET /users/42", tx.Name)
	assert.Equal(t, "200", tx.Result)
	require.NotNil(t, tx.Context.User)
	require.NotNil(t, tx.Context.User.Username)
	assert.Equal(t, "ada", *tx.Context.User.Username)

	require.Len(t, snapshot.Spans, 2)
	query, call := snapshot.Spans[0], snapshot.Spans[1]
	assert.Equal(t, "SELECT", query.Name)
	assert.Equal(t, "sqlite", query.Subtype)
	require.NotNil(t, query.Context)
	require.NotNil(t, query.Context.DB)
	assert.Equal(t, "SELECT count(*) FROM users WHERE id = ?", query.Context.DB.Statement)
	assert.Equal(t, "main", query.Context.DB.Instance)

	assert.Equal(t, "POST "+strings.TrimPrefix(backend.URL, "http://"), call.Name)
	require.NotNil(t, call.Context.HTTP)
	assert.Equal(t, http.StatusAccepted, call.Context.HTTP.StatusCode)
	for _, s := range snapshot.Spans {
		assert.Equal(t, tx.ID, s.TransactionID)
	}
}

func TestProbe_RouteNaming(t *testing.T) {
	cfg := testConfig()
	cfg.Transactions.Naming = config.NamingRouteURI
	probe, store := newTestProbe(t, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{id}", func(http.ResponseWriter, *http.Request) {})
	probe.Middleware(mux).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/9", nil))

	snapshot := store.GetSnapshot()
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, "GET /orders/{id}", snapshot.Transactions[0].Name)
}

func TestProbe_NotSampled(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling = 0
	probe, store := newTestProbe(t, cfg)

	assert.False(t, probe.Enabled())
	assert.Nil(t, probe.Agent())

	db := openDB(t, probe)
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, err := db.ExecContext(r.Context(), `SELECT 1`)
		require.NoError(t, err)
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	probe.Middleware(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rr.Code)

	require.NoError(t, store.Send(context.Background()))
	assert.Empty(t, store.GetSnapshot().Transactions)
	assert.Zero(t, store.Pending())

	rr = httptest.NewRecorder()
	probe.DebugHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/apm", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProbe_Inactive(t *testing.T) {
	cfg := testConfig()
	cfg.Active = false
	probe, _ := newTestProbe(t, cfg)

	assert.False(t, probe.Enabled())
	assert.IsType(t, domain.NopListener{}, probe.queryListener())
	assert.IsType(t, domain.NopListener{}, probe.httpListener())
}

func TestProbe_SamplingDecision(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		percent := rapid.IntRange(0, 100).Draw(t, "percent")
		roll := rapid.Float64Range(0, 0.999999).Draw(t, "roll")

		cfg := testConfig()
		cfg.Sampling = percent
		probe, err := NewProbe(context.Background(), cfg,
			WithAgent(inmemory.NewStore()),
			WithLogger(zap.NewNop()),
			WithSamplingSource(func() float64 { return roll }))
		if err != nil {
			t.Fatalf("new probe: %v", err)
		}

		want := roll*100 < float64(percent)
		switch percent {
		case 0:
			want = false
		case 100:
			want = true
		}
		if probe.Enabled() != want {
			t.Fatalf("percent %d roll %v: enabled = %v, want %v", percent, roll, probe.Enabled(), want)
		}
	})
}

func TestProbe_ListenersFollowLogSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Spans.QueryLog.Enabled = config.QueryLogOff
	cfg.Spans.HTTPLog.Enabled = false
	probe, _ := newTestProbe(t, cfg)

	require.True(t, probe.Enabled())
	assert.IsType(t, domain.NopListener{}, probe.queryListener())
	assert.IsType(t, domain.NopListener{}, probe.httpListener())

	cfg = testConfig()
	probe, _ = newTestProbe(t, cfg)
	assert.Same(t, probe.collector, probe.queryListener())
	assert.Same(t, probe.collector, probe.httpListener())
}

func TestProbe_Handlers(t *testing.T) {
	probe, _ := newTestProbe(t, testConfig())

	handler := probe.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	rr := httptest.NewRecorder()
	probe.DebugHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/apm", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var snapshot domain.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snapshot))
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, "GET /ping", snapshot.Transactions[0].Name)

	rr = httptest.NewRecorder()
	probe.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "apm_probe_transactions_total 1")
}

func TestNewProbe_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Exporter = "carrier-pigeon"
	_, err := NewProbe(context.Background(), cfg, WithLogger(zap.NewNop()))
	assert.Error(t, err)
}

func TestNewProbe_Exporters(t *testing.T) {
	for _, exporterName := range []string{"intake", "memory", "stdout"} {
		t.Run(exporterName, func(t *testing.T) {
			cfg := testConfig()
			cfg.Exporter = exporterName
			probe, err := NewProbe(context.Background(), cfg, WithLogger(zap.NewNop()))
			require.NoError(t, err)
			assert.NotNil(t, probe.Agent())
			assert.NoError(t, probe.Shutdown(context.Background()))
		})
	}
}
