package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apmprobe "github.com/fllarpy/elastic-apm-probe"
	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/storage/inmemory"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestConfigCommand(t *testing.T) {
	dir := writeTestConfig(t, `
app:
  name: storefront
server:
  secret_token: hunter2
transactions:
  naming: route
`)

	t.Run("masks the secret token", func(t *testing.T) {
		root := rootCmd()
		root.SetArgs([]string{"config", "--config-dir", dir})
		var out bytes.Buffer
		root.SetOut(&out)

		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), "name: storefront")
		assert.Contains(t, out.String(), "naming: route")
		assert.Contains(t, out.String(), "********")
		assert.NotContains(t, out.String(), "hunter2")
	})

	t.Run("shows secrets on request", func(t *testing.T) {
		root := rootCmd()
		root.SetArgs([]string{"config", "--config-dir", dir, "--show-secrets"})
		var out bytes.Buffer
		root.SetOut(&out)

		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), "secret_token: hunter2")
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		bad := writeTestConfig(t, "sampling: 150\n")
		root := rootCmd()
		root.SetArgs([]string{"config", "--config-dir", bad})
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})

		assert.Error(t, root.Execute())
	})
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"version"})
	var out bytes.Buffer
	root.SetOut(&out)

	require.NoError(t, root.Execute())
	assert.Equal(t, "elastic-apm-probe-go 1.0.0\n", out.String())
}

type demo struct {
	store   *inmemory.Store
	handler http.Handler
}

func newDemo(t *testing.T) *demo {
	t.Helper()
	cfg := config.Default()
	cfg.Spans.RenderSource = false
	cfg.Transactions.Naming = config.NamingRouteURI
	cfg.NPlusOneThreshold = 5

	store := inmemory.NewStore()
	probe, err := apmprobe.NewProbe(context.Background(), cfg, apmprobe.WithAgent(store), apmprobe.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	db, err := openDemoDB(context.Background(), probe, "sqlite-demo-"+strings.ReplaceAll(t.Name(), "/", "-"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &demo{store: store, handler: newDemoServer(probe, db)}
}

func (d *demo) get(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	d.handler.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func (d *demo) lastTransaction(t *testing.T) (tx apm.Transaction, spans []apm.Span) {
	t.Helper()
	snapshot := d.store.GetSnapshot()
	require.NotEmpty(t, snapshot.Transactions)
	tx = snapshot.Transactions[len(snapshot.Transactions)-1]
	for _, s := range snapshot.Spans {
		if s.TransactionID == tx.ID {
			spans = append(spans, s)
		}
	}
	return tx, spans
}

func TestDemoServer_User(t *testing.T) {
	d := newDemo(t)

	rr := d.get(t, http.MethodGet, "/users/1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "John Doe")

	tx, spans := d.lastTransaction(t)
	assert.Equal(t, "GET /users/{id}", tx.Name)
	require.Len(t, spans, 1)
	assert.Equal(t, "SELECT name FROM users WHERE id = ?", spans[0].Context.DB.Statement)
	assert.Equal(t, "demo", spans[0].Context.DB.Instance)

	rr = d.get(t, http.MethodGet, "/users/99")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	tx, _ = d.lastTransaction(t)
	assert.Equal(t, "404", tx.Result)
}

func TestDemoServer_NPlusOne(t *testing.T) {
	d := newDemo(t)

	require.Equal(t, http.StatusOK, d.get(t, http.MethodGet, "/n-plus-one").Code)

	tx, spans := d.lastTransaction(t)
	assert.Len(t, spans, 10)
	assert.Equal(t, "10x SELECT name FROM users WHERE id = ?", tx.Context.Tags["n_plus_one"])
}

func TestDemoServer_Transfer(t *testing.T) {
	d := newDemo(t)

	require.Equal(t, http.StatusOK, d.get(t, http.MethodPost, "/transfer?amount=30").Code)
	_, spans := d.lastTransaction(t)
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"SELECT", "UPDATE", "UPDATE", "TRANSACTION COMMIT"}, names)

	require.Equal(t, http.StatusConflict, d.get(t, http.MethodPost, "/transfer?amount=1000").Code)
	_, spans = d.lastTransaction(t)
	require.NotEmpty(t, spans)
	assert.Equal(t, "TRANSACTION ROLLBACK", spans[len(spans)-1].Name)
}

func TestDemoServer_Errors(t *testing.T) {
	d := newDemo(t)

	assert.Equal(t, http.StatusInternalServerError, d.get(t, http.MethodGet, "/error").Code)
	tx, _ := d.lastTransaction(t)
	assert.Equal(t, "500", tx.Result)

	assert.Equal(t, http.StatusInternalServerError, d.get(t, http.MethodGet, "/db-error").Code)
	_, spans := d.lastTransaction(t)
	require.Len(t, spans, 1, "failed queries are still reported")
}

func TestDemoServer_ProbeEndpoints(t *testing.T) {
	d := newDemo(t)
	d.get(t, http.MethodGet, "/")

	rr := d.get(t, http.MethodGet, "/debug/apm")
	require.Equal(t, http.StatusOK, rr.Code)
	var snapshot domain.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snapshot))
	require.Len(t, snapshot.Transactions, 1, "probe endpoints are not recorded")
	assert.Equal(t, "GET /", snapshot.Transactions[0].Name)

	rr = d.get(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "apm_probe_transactions_total 1")
}
