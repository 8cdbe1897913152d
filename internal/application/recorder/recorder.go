// Package recorder assembles one APM transaction per inbound HTTP request
// from the spans buffered while the request was handled.
package recorder

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/metrics"
	"github.com/fllarpy/elastic-apm-probe/internal/application/collector"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
	"github.com/fllarpy/elastic-apm-probe/nplusone"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
	"github.com/fllarpy/elastic-apm-probe/profiling"
)

// ErrAlreadyFinalized is returned when a recording is finished twice.
var ErrAlreadyFinalized = errors.New("recorder: transaction already finalized")

// State is the lifecycle stage of a Recording.
type State int

const (
	StateOpen State = iota
	StatePopulated
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePopulated:
		return "populated"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

type Options struct {
	Agent    domain.Agent
	Naming   config.NamingMode
	MaxSpans int
	AllowEnv []string
	Users    UserResolver
	Detector *nplusone.Detector
	Profiler *profiling.Profiler
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Recorder opens and finalizes transactions on an Agent.
type Recorder struct {
	agent    domain.Agent
	naming   config.NamingMode
	maxSpans int
	allowEnv []string
	users    UserResolver
	detector *nplusone.Detector
	profiler *profiling.Profiler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(opts Options) *Recorder {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	naming := opts.Naming
	if naming == "" {
		naming = config.NamingRawURI
	}
	maxSpans := opts.MaxSpans
	if maxSpans <= 0 {
		maxSpans = collector.DefaultMaxSpans
	}
	return &Recorder{
		agent:    opts.Agent,
		naming:   naming,
		maxSpans: maxSpans,
		allowEnv: opts.AllowEnv,
		users:    opts.Users,
		detector: opts.Detector,
		profiler: opts.Profiler,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		now:      now,
	}
}

// ResponseInfo is what the middleware observed about the response.
type ResponseInfo struct {
	StatusCode  int
	Header      http.Header
	HeadersSent bool
	// Route is the matched route template, if the router exposes one.
	Route string
}

// Recording is the transaction of one request.
type Recording struct {
	rec   *Recorder
	tx    *apm.Transaction
	scope *collector.Scope

	mu    sync.Mutex
	state State
}

// Begin opens a transaction for req. The returned context carries the request
// scope that listeners buffer spans into. The timer runs from the ingress time
// stored with collector.WithRequestStart, or from now.
func (r *Recorder) Begin(ctx context.Context, req *http.Request) (context.Context, *Recording) {
	start, ok := collector.RequestStartFromContext(ctx)
	if !ok {
		start = r.now()
	}
	scope := collector.NewScope(r.maxSpans, collector.NewTimer(start, r.now))

	tx := r.agent.StartTransaction(initialName(req))
	tx.Timestamp = start.UnixMicro()

	return collector.WithScope(ctx, scope), &Recording{rec: r, tx: tx, scope: scope}
}

// Transaction returns the transaction being recorded.
func (rc *Recording) Transaction() *apm.Transaction { return rc.tx }

// State returns the current lifecycle stage.
func (rc *Recording) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Finish drains the buffered spans into the agent, fills in the transaction
// context, stops it and hands it to the agent.
func (rc *Recording) Finish(req *http.Request, resp ResponseInfo) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == StateFinalized {
		return ErrAlreadyFinalized
	}

	r := rc.rec
	tx := rc.tx

	candidates := rc.scope.Buffer.Drain()
	for _, c := range candidates {
		r.agent.PutEvent(apm.NewSpan(c, tx))
	}
	tx.SpanCount.Started = len(candidates)
	tx.SpanCount.Dropped = rc.scope.Buffer.Dropped()
	rc.state = StatePopulated

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	tx.Context.Response = &apm.ResponseContext{
		Finished:    true,
		HeadersSent: resp.HeadersSent,
		StatusCode:  status,
		Headers:     firstValues(resp.Header),
	}
	tx.Context.User = userContext(req, r.users)
	tx.Context.Request = requestContext(req, r.allowEnv)
	tx.Result = strconv.Itoa(status)
	tx.Type = "HTTP"

	tx.SetName(finalName(r.naming, req, resp.Route))

	tags := map[string]string{"requested_by": requestedBy(req.Header)}
	if findings := r.detector.Inspect(tx.Name, candidates); len(findings) > 0 {
		tags["n_plus_one"] = strconv.Itoa(findings[0].Count) + "x " + findings[0].Statement
	}
	tx.Context.Tags = tags

	elapsed := rc.scope.Timer.Elapsed()
	tx.Stop(rc.scope.Timer.ElapsedMilliseconds())
	r.agent.PutEvent(tx)
	rc.state = StateFinalized
	r.metrics.TransactionFinalized()
	r.profiler.ProfileIfSlow(tx.Name, elapsed)
	return nil
}

// End finishes rc and delivers the queued events. A recording that cannot be
// finished is logged at debug level; delivery still happens.
func (r *Recorder) End(ctx context.Context, rc *Recording, req *http.Request, resp ResponseInfo) {
	if err := rc.Finish(req, resp); err != nil {
		r.logger.Debug("apm transaction not finalized", zap.String("transaction", rc.tx.Name), zap.Error(err))
	}
	r.Send(ctx)
}

// Send delivers everything queued on the agent. Failures, including panics in
// the agent, are logged and counted but never returned: the response must not
// fail because telemetry did.
func (r *Recorder) Send(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.DeliveryFailed()
			r.logger.Error("apm agent panicked during send", zap.Any("panic", p))
		}
	}()

	if err := r.agent.Send(context.WithoutCancel(ctx)); err != nil {
		r.metrics.DeliveryFailed()
		r.logger.Error("failed to send apm events", zap.Error(err))
	}
}
