// Package collector turns instrumentation events into span candidates and
// buffers them in the scope of the request they happened in.
package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/metrics"
	"github.com/fllarpy/elastic-apm-probe/internal/application/stacktrace"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

// Options configure a Collector.
type Options struct {
	QueryLog       config.QueryLogMode
	QueryThreshold time.Duration
	HTTPLog        bool
	Capturer       *stacktrace.Capturer
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	// Now is the clock used to time events; defaults to time.Now.
	Now func() time.Time
}

// Collector implements domain.EventListener. Events arriving on a context
// without a request scope are ignored.
type Collector struct {
	queryLog       config.QueryLogMode
	queryThreshold time.Duration
	httpLog        bool
	capturer       *stacktrace.Capturer
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

var _ domain.EventListener = (*Collector)(nil)

func New(opts Options) *Collector {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Collector{
		queryLog:       opts.QueryLog,
		queryThreshold: opts.QueryThreshold,
		httpLog:        opts.HTTPLog,
		capturer:       opts.Capturer,
		logger:         logging.OrNop(opts.Logger),
		metrics:        opts.Metrics,
		now:            now,
	}
}

// QueryExecuted records a query span. In auto mode, queries faster than the
// threshold are skipped.
func (c *Collector) QueryExecuted(ctx context.Context, e domain.QueryEvent) {
	scope := ScopeFromContext(ctx)
	if scope == nil || c.queryLog == config.QueryLogOff {
		return
	}
	defer c.recover("query")

	if c.queryLog == config.QueryLogAuto && e.Duration < c.queryThreshold {
		return
	}

	observed := c.now()
	c.push(scope, apm.SpanCandidate{
		Name:       QueryVerb(e.SQL),
		Type:       "db",
		Subtype:    e.Connection.Subtype,
		Action:     "query",
		Start:      epochSeconds(observed.Add(-e.Duration)),
		Duration:   milliseconds(e.Duration),
		Stacktrace: c.capture(),
		Context: &apm.SpanContext{DB: &apm.DBContext{
			Instance:  e.Connection.Database,
			Statement: NormalizeQuery(e.SQL),
			Type:      "sql",
			User:      e.Connection.User,
		}},
	})
}

// TransactionBeginning remembers when a database transaction was opened.
func (c *Collector) TransactionBeginning(ctx context.Context, conn domain.ConnectionInfo) {
	scope := ScopeFromContext(ctx)
	if scope == nil || c.queryLog == config.QueryLogOff {
		return
	}
	scope.pushTxStart(conn.Database, c.now())
}

func (c *Collector) TransactionCommitted(ctx context.Context, conn domain.ConnectionInfo) {
	c.transactionEnded(ctx, conn, "TRANSACTION COMMIT")
}

func (c *Collector) TransactionRolledBack(ctx context.Context, conn domain.ConnectionInfo) {
	c.transactionEnded(ctx, conn, "TRANSACTION ROLLBACK")
}

func (c *Collector) transactionEnded(ctx context.Context, conn domain.ConnectionInfo, name string) {
	scope := ScopeFromContext(ctx)
	if scope == nil || c.queryLog == config.QueryLogOff {
		return
	}
	defer c.recover("transaction")

	start, ok := scope.popTxStart(conn.Database)
	if !ok {
		c.logger.Debug("transaction end without a matching begin",
			zap.String("database", conn.Database), zap.String("span", name))
		return
	}

	observed := c.now()
	c.push(scope, apm.SpanCandidate{
		Name:       name,
		Type:       "db",
		Subtype:    conn.Subtype,
		Action:     "connection",
		Start:      epochSeconds(start),
		Duration:   milliseconds(observed.Sub(start)),
		Stacktrace: c.capture(),
		Context: &apm.SpanContext{DB: &apm.DBContext{
			Instance: conn.Database,
			Type:     "sql",
			User:     conn.User,
		}},
	})
}

// CommandExecuted records a remote cache command.
func (c *Collector) CommandExecuted(ctx context.Context, e domain.CommandEvent) {
	scope := ScopeFromContext(ctx)
	if scope == nil || c.queryLog == config.QueryLogOff {
		return
	}
	defer c.recover("command")

	params := e.Parameters
	if params == nil {
		params = []any{}
	}
	statement, err := json.Marshal(params)
	if err != nil {
		statement = []byte(fmt.Sprint(params))
	}

	observed := c.now()
	c.push(scope, apm.SpanCandidate{
		Name:       e.Command,
		Type:       "db",
		Subtype:    "redis",
		Action:     "command",
		Start:      epochSeconds(observed.Add(-e.Duration)),
		Duration:   milliseconds(e.Duration),
		Stacktrace: c.capture(),
		Context: &apm.SpanContext{DB: &apm.DBContext{
			Instance:  e.Connection,
			Statement: string(statement),
		}},
	})
}

// RequestSent records an outbound HTTP call.
func (c *Collector) RequestSent(ctx context.Context, e domain.HTTPEvent) {
	scope := ScopeFromContext(ctx)
	if scope == nil || !c.httpLog {
		return
	}
	defer c.recover("http")

	observed := c.now()
	c.push(scope, apm.SpanCandidate{
		Name:     fmt.Sprintf("%s %s", e.Method, e.Host),
		Type:     "external",
		Subtype:  "http",
		Start:    epochSeconds(observed.Add(-e.Duration)),
		Duration: milliseconds(e.Duration),
		Context: &apm.SpanContext{HTTP: &apm.HTTPContext{
			Method:     e.Method,
			URL:        e.URL,
			StatusCode: e.StatusCode,
		}},
	})
}

func (c *Collector) push(scope *Scope, candidate apm.SpanCandidate) {
	if scope.Buffer.Push(candidate) {
		c.metrics.SpanRecorded(candidate.Type)
		return
	}
	c.metrics.SpanDropped()
}

// capture skips itself and the listener method calling it.
func (c *Collector) capture() []apm.StackFrame {
	return c.capturer.Capture(2)
}

func (c *Collector) recover(listener string) {
	if r := recover(); r != nil {
		c.logger.Error("instrumentation listener failed",
			zap.String("listener", listener), zap.Any("panic", r))
	}
}

func epochSeconds(t time.Time) float64 {
	return round3(float64(t.UnixNano()) / 1e9)
}

func milliseconds(d time.Duration) float64 {
	return round3(float64(d) / float64(time.Millisecond))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
