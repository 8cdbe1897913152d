// Package sql instruments database/sql drivers with a probe.
//
// Spans are attached to the transaction carried by the context of each call.
// Use the context variants with the request context, db.QueryContext(r.Context(), ...)
// and db.BeginTx(r.Context(), nil), inside instrumented handlers: db.Query,
// db.Exec, db.Begin and the calls on a transaction started by db.Begin run with
// context.Background() and are not reported.
package sql

import (
	"database/sql"
	"database/sql/driver"
	"slices"
	"sync"

	apm "github.com/fllarpy/elastic-apm-probe"
	"github.com/fllarpy/elastic-apm-probe/internal/adapters/apmsql"
)

// Option describes the connections opened through an instrumented driver.
type Option = apmsql.Option

var (
	WithDatabase = apmsql.WithDatabase
	WithUser     = apmsql.WithUser
	WithSubtype  = apmsql.WithSubtype
)

var registerMu sync.Mutex

// Open registers d as driverName, unless a driver of that name exists
// already, and opens dataSourceName with it.
func Open(probe *apm.Probe, driverName string, d driver.Driver, dataSourceName string, opts ...Option) (*sql.DB, error) {
	registerMu.Lock()
	if !slices.Contains(sql.Drivers(), driverName) {
		probe.RegisterSQLDriver(driverName, d, opts...)
	}
	registerMu.Unlock()

	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}

	return db, nil
}
