// Package apm_probe wires the instrumentation of a Go service: it records one
// APM transaction per inbound HTTP request, with spans for the SQL queries,
// database transactions, Redis commands and outbound HTTP calls made while
// serving it, and ships them to an APM server.
//
//	probe, err := apm_probe.NewProbe(ctx, nil)
//	...
//	defer probe.Shutdown(ctx)
//	http.ListenAndServe(":8080", probe.Middleware(mux))
package apm_probe

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/exporter"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/metrics"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/storage/inmemory"
	"github.com/fllarpy/elastic-apm-probe/internal/adapters/apmhttp"
	"github.com/fllarpy/elastic-apm-probe/internal/adapters/apmredis"
	"github.com/fllarpy/elastic-apm-probe/internal/adapters/apmsql"
	"github.com/fllarpy/elastic-apm-probe/internal/application/collector"
	"github.com/fllarpy/elastic-apm-probe/internal/application/recorder"
	"github.com/fllarpy/elastic-apm-probe/internal/application/sampling"
	"github.com/fllarpy/elastic-apm-probe/internal/application/stacktrace"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
	"github.com/fllarpy/elastic-apm-probe/internal/ports/http_middleware"
	"github.com/fllarpy/elastic-apm-probe/internal/ports/http_reporter"
	"github.com/fllarpy/elastic-apm-probe/nplusone"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
	"github.com/fllarpy/elastic-apm-probe/profiling"
)

const sourceCacheFiles = 256

// User is the authenticated user reported with a transaction.
type User = recorder.User

// UserResolverFunc adapts a function to the user resolver used by the probe.
type UserResolverFunc = recorder.UserResolverFunc

// RouteResolver returns the route template a request matched.
type RouteResolver = apmhttp.RouteResolver

// Probe owns the instrumentation of one process.
type Probe struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	gate     sampling.Gate

	agent     domain.Agent
	collector *collector.Collector
	recorder  *recorder.Recorder
	profiler  *profiling.Profiler
	routes    RouteResolver
}

// Option customizes NewProbe.
type Option func(*options)

type options struct {
	agent     domain.Agent
	logger    *zap.Logger
	users     recorder.UserResolver
	routes    RouteResolver
	registry  *prometheus.Registry
	framework string
	roll      func() float64
}

// WithAgent delivers to agent instead of the one named by the exporter setting.
func WithAgent(agent domain.Agent) Option {
	return func(o *options) { o.agent = agent }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithUserResolver identifies the user behind each request.
func WithUserResolver(fn UserResolverFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.users = fn
		}
	}
}

// WithRouteResolver replaces the chi, gorilla/mux and ServeMux route lookup.
func WithRouteResolver(resolve RouteResolver) Option {
	return func(o *options) { o.routes = resolve }
}

// WithRegistry registers the probe metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithFramework names the HTTP framework reported in the service metadata.
func WithFramework(name string) Option {
	return func(o *options) { o.framework = name }
}

// WithSamplingSource replaces the random source of the sampling decision.
func WithSamplingSource(roll func() float64) Option {
	return func(o *options) { o.roll = roll }
}

// NewProbe builds the probe described by cfg. A nil cfg is loaded from the
// APM_* environment variables.
func NewProbe(ctx context.Context, cfg *config.Config, opts ...Option) (*Probe, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load apm config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid apm config: %w", err)
	}

	o := options{framework: "net/http", routes: apmhttp.DefaultRouteResolver}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		l, err := logging.New(cfg.LogLevel, false)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	p := &Probe{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
		gate:     sampling.NewGate(float64(cfg.Sampling), o.roll),
		routes:   o.routes,
	}
	if !p.Enabled() {
		logger.Info("apm probe disabled for this process",
			zap.Bool("active", cfg.Active),
			zap.Float64("sampling", p.gate.Percent()))
		return p, nil
	}

	agent := o.agent
	if agent == nil {
		a, err := newAgent(ctx, cfg, o.framework, logger)
		if err != nil {
			return nil, err
		}
		agent = a
	}
	p.agent = agent

	var source stacktrace.SourceReader
	if cfg.Spans.RenderSource {
		fs, err := stacktrace.NewOSFileSource(sourceCacheFiles)
		if err != nil {
			return nil, err
		}
		source = fs
	}
	capturer := stacktrace.New(stacktrace.Options{
		Depth:        cfg.Spans.BacktraceDepth,
		VendorRoots:  cfg.Spans.VendorRoots,
		RenderSource: cfg.Spans.RenderSource,
		Source:       source,
	})

	p.collector = collector.New(collector.Options{
		QueryLog:       cfg.Spans.QueryLog.Enabled,
		QueryThreshold: cfg.Spans.QueryLog.Threshold,
		HTTPLog:        cfg.Spans.HTTPLog.Enabled,
		Capturer:       capturer,
		Logger:         logger,
		Metrics:        p.metrics,
	})

	p.profiler = profiling.NewProfiler(profiling.Config{
		Enabled:          cfg.Profiling.Enabled,
		LatencyThreshold: cfg.Profiling.LatencyThreshold,
		Duration:         cfg.Profiling.Duration,
		Cooldown:         cfg.Profiling.Cooldown,
		Dir:              cfg.Profiling.Dir,
	}, afero.NewOsFs(), logger)

	p.recorder = recorder.New(recorder.Options{
		Agent:    agent,
		Naming:   cfg.Transactions.Naming,
		MaxSpans: cfg.Spans.MaxTraceItems,
		AllowEnv: cfg.Env.Allow,
		Users:    o.users,
		Detector: nplusone.NewDetector(nplusone.Config{
			Enabled:   cfg.NPlusOneThreshold > 0,
			Threshold: cfg.NPlusOneThreshold,
		}, logger, p.metrics),
		Profiler: p.profiler,
		Logger:   logger,
		Metrics:  p.metrics,
	})

	logger.Info("apm probe initialized",
		zap.String("service", cfg.App.Name),
		zap.String("exporter", cfg.Exporter),
		zap.String("naming", string(cfg.Transactions.Naming)),
		zap.String("querylog", string(cfg.Spans.QueryLog.Enabled)))
	return p, nil
}

func newAgent(ctx context.Context, cfg *config.Config, framework string, logger *zap.Logger) (domain.Agent, error) {
	service := exporter.Service{
		Name:        cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.Env.Environment,
		Framework:   framework,
		Hostname:    cfg.Server.Hostname,
	}

	switch cfg.Exporter {
	case "memory":
		return inmemory.NewStore(), nil
	case "intake":
		return exporter.NewIntakeAgent(exporter.IntakeOptions{
			ServerURL:   cfg.Server.URL,
			SecretToken: cfg.Server.SecretToken,
			APIVersion:  cfg.Server.APIVersion,
			Timeout:     cfg.Server.Timeout,
			Service:     service,
			Logger:      logger,
		}), nil
	default:
		exp, err := exporter.NewSpanExporter(ctx, cfg.Exporter, cfg.Server.URL, os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
		}
		return exporter.NewOTelAgent(exp, exporter.NewResource(service), logger), nil
	}
}

// Enabled reports whether this process records transactions. It is false when
// the probe is inactive or the process lost the sampling draw.
func (p *Probe) Enabled() bool {
	return http_middleware.Enabled(p.cfg, p.gate)
}

// Config returns the effective configuration.
func (p *Probe) Config() *config.Config { return p.cfg }

// Agent returns the delivery agent, nil when the probe is disabled.
func (p *Probe) Agent() domain.Agent { return p.agent }

// Middleware records a transaction for every request served by next.
func (p *Probe) Middleware(next http.Handler) http.Handler {
	return http_middleware.APMMiddleware(p.cfg, p.gate, p.recorder, apmhttp.WithRouteResolver(p.routes))(next)
}

// GinMiddleware is Middleware for gin engines.
func (p *Probe) GinMiddleware() gin.HandlerFunc {
	return apmhttp.GinMiddleware(p.recorder)
}

// Transport instruments outbound calls made through base.
func (p *Probe) Transport(base http.RoundTripper) http.RoundTripper {
	return apmhttp.NewTransport(base, p.httpListener())
}

// NewClient returns a copy of base whose calls are instrumented. base is not modified.
func (p *Probe) NewClient(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	client.Transport = p.Transport(client.Transport)
	return client
}

// RegisterSQLDriver registers d under name with database/sql, reporting its
// queries and transactions. It panics if name is already registered.
func (p *Probe) RegisterSQLDriver(name string, d driver.Driver, opts ...apmsql.Option) {
	apmsql.Register(name, d, p.queryListener(), opts...)
}

// RedisHook returns a hook for client.AddHook reporting the commands of the
// named connection.
func (p *Probe) RedisHook(connection string) redis.Hook {
	return apmredis.NewHook(connection, p.queryListener())
}

// MetricsHandler serves the probe's own metrics for Prometheus.
func (p *Probe) MetricsHandler() http.Handler {
	return http_reporter.NewMetricsHandler(p.registry)
}

// DebugHandler serves the last delivered transactions as JSON when the agent
// keeps them, and 404 otherwise.
func (p *Probe) DebugHandler() http.Handler {
	if store, ok := p.agent.(domain.StoreReader); ok {
		return http_reporter.NewHandler(store)
	}
	return http.NotFoundHandler()
}

// Shutdown delivers what is still queued and releases the agent.
func (p *Probe) Shutdown(ctx context.Context) error {
	p.profiler.Wait()
	if p.agent == nil {
		return nil
	}

	var err error
	if s, ok := p.agent.(domain.Shutdowner); ok {
		err = s.Shutdown(ctx)
	} else {
		err = p.agent.Send(ctx)
	}
	if err != nil {
		p.logger.Error("apm probe shutdown failed", zap.Error(err))
		return fmt.Errorf("shutdown apm agent: %w", err)
	}
	return nil
}

// queryListener is what SQL drivers and Redis hooks report to.
func (p *Probe) queryListener() domain.EventListener {
	if p.collector == nil || p.cfg.Spans.QueryLog.Enabled == config.QueryLogOff {
		return domain.NopListener{}
	}
	return p.collector
}

func (p *Probe) httpListener() domain.HTTPListener {
	if p.collector == nil || !p.cfg.Spans.HTTPLog.Enabled {
		return domain.NopListener{}
	}
	return p.collector
}
