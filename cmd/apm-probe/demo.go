package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"modernc.org/sqlite"

	apm "github.com/fllarpy/elastic-apm-probe"
	apmsql "github.com/fllarpy/elastic-apm-probe/instrumentation/sql"
)

const demoDriverName = "sqlite-apm"

var slowDelay = 600 * time.Millisecond

func openDemoDB(ctx context.Context, probe *apm.Probe, driverName string) (*sql.DB, error) {
	db, err := apmsql.Open(probe, driverName, &sqlite.Driver{}, ":memory:",
		apmsql.WithSubtype("sqlite"), apmsql.WithDatabase("demo"))
	if err != nil {
		return nil, fmt.Errorf("open demo database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, balance INTEGER NOT NULL)`,
		`INSERT OR IGNORE INTO users (id, name, balance) VALUES (1, 'John Doe', 100), (2, 'Jane Roe', 50)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare demo database: %w", err)
		}
	}
	return db, nil
}

// newDemoServer serves the instrumented demo routes next to the probe's own
// metrics and debug endpoints, which are not instrumented.
func newDemoServer(probe *apm.Probe, db *sql.DB) http.Handler {
	client := probe.NewClient(&http.Client{Timeout: 5 * time.Second})

	r := chi.NewRouter()
	r.Use(probe.Middleware)
	r.Get("/", helloHandler)
	r.Get("/error", erroringHandler)
	r.Get("/slow", slowHandler)
	r.Get("/users/{id}", userHandler(db))
	r.Get("/db-error", dbErroringHandler(db))
	r.Get("/n-plus-one", nPlusOneHandler(db))
	r.Post("/transfer", transferHandler(db))
	r.Get("/outbound", outboundHandler(client))

	mux := http.NewServeMux()
	mux.Handle("/metrics", probe.MetricsHandler())
	mux.Handle("/debug/apm", probe.DebugHandler())
	mux.Handle("/", r)
	return mux
}

func helloHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "Hello from the instrumented server!")
}

func slowHandler(w http.ResponseWriter, r *http.Request) {
	time.Sleep(slowDelay)
	fmt.Fprintln(w, "This was a slow request.")
}

func erroringHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintln(w, "This endpoint always returns an error.")
}

func userHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		var name string
		err = db.QueryRowContext(r.Context(), "SELECT name FROM users WHERE id = ?", id).Scan(&name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			http.NotFound(w, r)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			fmt.Fprintf(w, "User name from DB: %s\n", name)
		}
	}
}

func dbErroringHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := db.ExecContext(r.Context(), "SELECT * FROM non_existent_table"); err != nil {
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "This should not be reached.")
	}
}

func nPlusOneHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for i := 0; i < 10; i++ {
			var name string
			_ = db.QueryRowContext(ctx, "SELECT name FROM users WHERE id = ?", 1).Scan(&name)
		}
		fmt.Fprintln(w, "Executed 10 identical queries.")
	}
}

func transferHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		amount, err := strconv.Atoi(r.URL.Query().Get("amount"))
		if err != nil || amount <= 0 {
			http.Error(w, "amount must be a positive integer", http.StatusBadRequest)
			return
		}
		if err := transfer(r.Context(), db, 1, 2, amount); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		fmt.Fprintf(w, "Transferred %d.\n", amount)
	}
}

func transfer(ctx context.Context, db *sql.DB, from, to, amount int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int
	if err := tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", from).Scan(&balance); err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("insufficient balance: %d < %d", balance, amount)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE users SET balance = balance - ? WHERE id = ?", amount, from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE users SET balance = balance + ? WHERE id = ?", amount, to); err != nil {
		return err
	}
	return tx.Commit()
}

func outboundHandler(client *http.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, "http://"+r.Host+"/", nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(w, resp.Body)
	}
}
