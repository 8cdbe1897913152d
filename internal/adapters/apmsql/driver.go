// Package apmsql wraps database/sql drivers so that queries and transaction
// boundaries are reported to a Listener.
package apmsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"time"

	"github.com/fllarpy/elastic-apm-probe/domain"
)

// ---------------- Driver registration ----------------

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]driver.Driver)
)

// Register wraps the provided driver and registers it in database/sql under
// the given name. Typical usage:
//
//	apmsql.Register("sqlite-apm", &sqlite.Driver{}, listener, apmsql.WithSubtype("sqlite"))
//	db, _ := sql.Open("sqlite-apm", dsn)
//
// Panics if the driver is nil or the name is already taken.
func Register(name string, d driver.Driver, listener Listener, opts ...Option) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if d == nil {
		panic("apmsql: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("apmsql: Register called twice for driver " + name)
	}
	if listener == nil {
		listener = domain.NopListener{}
	}

	drivers[name] = d
	sql.Register(name, Wrap(d, listener, opts...))
}

// Wrap returns d instrumented with listener without registering it.
func Wrap(d driver.Driver, listener Listener, opts ...Option) driver.Driver {
	return &apmDriver{realDriver: d, listener: listener, info: connectionInfo(opts)}
}

// ---------------- Driver wrappers ----------------

type apmDriver struct {
	realDriver driver.Driver
	listener   Listener
	info       domain.ConnectionInfo
}

func (d *apmDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.realDriver.Open(name)
	if err != nil {
		return nil, err
	}
	return &apmConn{realConn: conn, listener: d.listener, info: d.info}, nil
}

type apmConn struct {
	realConn driver.Conn
	listener Listener
	info     domain.ConnectionInfo
}

var (
	_ driver.Conn               = (*apmConn)(nil)
	_ driver.ConnBeginTx        = (*apmConn)(nil)
	_ driver.ConnPrepareContext = (*apmConn)(nil)
	_ driver.QueryerContext     = (*apmConn)(nil)
	_ driver.ExecerContext      = (*apmConn)(nil)
	_ driver.Pinger             = (*apmConn)(nil)
	_ driver.SessionResetter    = (*apmConn)(nil)
	_ driver.Validator          = (*apmConn)(nil)
	_ driver.NamedValueChecker  = (*apmConn)(nil)
)

func (c *apmConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *apmConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		stmt driver.Stmt
		err  error
	)
	if px, ok := c.realConn.(driver.ConnPrepareContext); ok {
		stmt, err = px.PrepareContext(ctx, query)
	} else {
		stmt, err = c.realConn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &apmStmt{realStmt: stmt, query: query, conn: c}, nil
}

func (c *apmConn) Close() error { return c.realConn.Close() }

//nolint:staticcheck // required by driver.Conn
func (c *apmConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *apmConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	var (
		tx  driver.Tx
		err error
	)
	if bx, ok := c.realConn.(driver.ConnBeginTx); ok {
		tx, err = bx.BeginTx(ctx, opts)
	} else {
		if opts.Isolation != 0 || opts.ReadOnly {
			return nil, errors.New("apmsql: driver does not support transaction options")
		}
		tx, err = c.realConn.Begin() //nolint:staticcheck
	}
	if err != nil {
		return nil, err
	}
	c.listener.TransactionBeginning(ctx, c.info)
	return &apmTx{realTx: tx, ctx: ctx, conn: c}, nil
}

// Context-aware exec/query
func (c *apmConn) QueryContext(ctx context.Context, q string, a []driver.NamedValue) (driver.Rows, error) {
	if qx, ok := c.realConn.(driver.QueryerContext); ok {
		start := time.Now()
		rows, err := qx.QueryContext(ctx, q, a)
		c.queryExecuted(ctx, q, start, err)
		return rows, err
	}
	return nil, driver.ErrSkip
}

func (c *apmConn) ExecContext(ctx context.Context, q string, a []driver.NamedValue) (driver.Result, error) {
	if ex, ok := c.realConn.(driver.ExecerContext); ok {
		start := time.Now()
		res, err := ex.ExecContext(ctx, q, a)
		c.queryExecuted(ctx, q, start, err)
		return res, err
	}
	return nil, driver.ErrSkip
}

func (c *apmConn) Ping(ctx context.Context) error {
	if p, ok := c.realConn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *apmConn) ResetSession(ctx context.Context) error {
	if r, ok := c.realConn.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *apmConn) IsValid() bool {
	if v, ok := c.realConn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *apmConn) CheckNamedValue(nv *driver.NamedValue) error {
	if chk, ok := c.realConn.(driver.NamedValueChecker); ok {
		return chk.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

// queryExecuted reports q unless the driver declined to run it.
func (c *apmConn) queryExecuted(ctx context.Context, q string, start time.Time, err error) {
	if errors.Is(err, driver.ErrSkip) {
		return
	}
	c.listener.QueryExecuted(ctx, domain.QueryEvent{
		Connection: c.info,
		SQL:        q,
		Duration:   time.Since(start),
	})
}

type apmTx struct {
	realTx driver.Tx
	ctx    context.Context
	conn   *apmConn
}

// Commit reports the end of the transaction whether or not the commit
// succeeded: database/sql discards the transaction either way.
func (t *apmTx) Commit() error {
	err := t.realTx.Commit()
	t.conn.listener.TransactionCommitted(t.ctx, t.conn.info)
	return err
}

func (t *apmTx) Rollback() error {
	err := t.realTx.Rollback()
	t.conn.listener.TransactionRolledBack(t.ctx, t.conn.info)
	return err
}

type apmStmt struct {
	realStmt driver.Stmt
	query    string
	conn     *apmConn
}

func (s *apmStmt) Close() error  { return s.realStmt.Close() }
func (s *apmStmt) NumInput() int { return s.realStmt.NumInput() }

//nolint:staticcheck // required by driver.Stmt
func (s *apmStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.realStmt.Exec(args)
}

//nolint:staticcheck // required by driver.Stmt
func (s *apmStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.realStmt.Query(args)
}

func (s *apmStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ex, ok := s.realStmt.(driver.StmtExecContext); ok {
		res, err = ex.ExecContext(ctx, args)
	} else {
		res, err = s.realStmt.Exec(namedValueToValue(args)) //nolint:staticcheck
	}
	s.conn.queryExecuted(ctx, s.query, start, err)
	return res, err
}

func (s *apmStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qx, ok := s.realStmt.(driver.StmtQueryContext); ok {
		rows, err = qx.QueryContext(ctx, args)
	} else {
		rows, err = s.realStmt.Query(namedValueToValue(args)) //nolint:staticcheck
	}
	s.conn.queryExecuted(ctx, s.query, start, err)
	return rows, err
}

func (s *apmStmt) CheckNamedValue(nv *driver.NamedValue) error {
	if chk, ok := s.realStmt.(driver.NamedValueChecker); ok {
		return chk.CheckNamedValue(nv)
	}
	return s.conn.CheckNamedValue(nv)
}

func namedValueToValue(named []driver.NamedValue) []driver.Value {
	vs := make([]driver.Value, len(named))
	for i, nv := range named {
		vs[i] = nv.Value
	}
	return vs
}
