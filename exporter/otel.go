package exporter

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
)

const tracerName = "github.com/fllarpy/elastic-apm-probe"

// OTelAgent replays finished transactions as OpenTelemetry spans, keeping
// their original start and end times.
type OTelAgent struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	queue  queue
	logger *zap.Logger
}

var (
	_ domain.Agent      = (*OTelAgent)(nil)
	_ domain.Shutdowner = (*OTelAgent)(nil)
)

// NewOTelAgent exports through exp. The agent owns exp and shuts it down.
func NewOTelAgent(exp sdktrace.SpanExporter, res *resource.Resource, logger *zap.Logger) *OTelAgent {
	logger = logging.OrNop(logger)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	logger.Info("Initializing OpenTelemetry agent.")
	return &OTelAgent{
		tp:     tp,
		tracer: tp.Tracer(tracerName, trace.WithInstrumentationVersion(AgentVersion)),
		logger: logger,
	}
}

func (a *OTelAgent) StartTransaction(name string) *apm.Transaction {
	return apm.NewTransaction(name, time.Now())
}

func (a *OTelAgent) PutEvent(event apm.Event) {
	a.queue.put(event)
}

// Send turns every complete transaction into a server span with one child
// per APM span, then flushes the exporter.
func (a *OTelAgent) Send(ctx context.Context) error {
	bundles, orphans := a.queue.take()
	if orphans > 0 {
		a.logger.Warn("discarded spans without a transaction", zap.Int("count", orphans))
	}
	if len(bundles) == 0 {
		return nil
	}
	for _, b := range bundles {
		a.replay(ctx, b)
	}
	if err := a.tp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("flush %d transactions: %w", len(bundles), err)
	}
	return nil
}

// Shutdown flushes what is queued and stops the tracer provider.
func (a *OTelAgent) Shutdown(ctx context.Context) error {
	err := a.Send(ctx)
	err = multierr.Append(err, a.tp.Shutdown(ctx))
	if err == nil {
		a.logger.Info("OpenTelemetry agent shut down.")
	}
	return err
}

func (a *OTelAgent) replay(ctx context.Context, b bundle) {
	tx := b.tx
	start := time.UnixMicro(tx.Timestamp)
	end := start.Add(msToDuration(tx.Duration))

	attrs := []attribute.KeyValue{
		attribute.String("apm.transaction.type", tx.Type),
		attribute.String("apm.transaction.result", tx.Result),
	}
	var status int
	if r := tx.Context.Request; r != nil {
		attrs = append(attrs,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLFull(r.URL.Full),
		)
	}
	if r := tx.Context.Response; r != nil {
		status = r.StatusCode
		attrs = append(attrs, semconv.HTTPResponseStatusCode(status))
	}
	for k, v := range tx.Context.Tags {
		attrs = append(attrs, attribute.String("apm.tag."+k, v))
	}

	ctx, root := a.tracer.Start(ctx, tx.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)
	for _, s := range b.spans {
		spanStart := time.UnixMicro(s.Timestamp)
		_, child := a.tracer.Start(ctx, s.Name,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithTimestamp(spanStart),
			trace.WithAttributes(spanAttributes(s)...),
		)
		if h := httpContext(s); h != nil && (h.StatusCode == 0 || h.StatusCode >= 500) {
			child.SetStatus(codes.Error, fmt.Sprintf("status %d", h.StatusCode))
		}
		child.End(trace.WithTimestamp(spanStart.Add(msToDuration(s.Duration))))
	}
	if status >= 500 {
		root.SetStatus(codes.Error, tx.Result)
	}
	root.End(trace.WithTimestamp(end))
}

func spanAttributes(s *apm.Span) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("apm.span.type", s.Type),
		attribute.String("apm.span.subtype", s.Subtype),
		attribute.String("apm.span.action", s.Action),
	}
	if s.Context == nil {
		return attrs
	}
	if db := s.Context.DB; db != nil {
		attrs = append(attrs,
			semconv.DBSystemKey.String(s.Subtype),
			attribute.String("db.statement", db.Statement),
			attribute.String("db.name", db.Instance),
		)
		if db.User != "" {
			attrs = append(attrs, attribute.String("db.user", db.User))
		}
	}
	if h := s.Context.HTTP; h != nil {
		attrs = append(attrs,
			semconv.HTTPRequestMethodKey.String(h.Method),
			semconv.URLFull(h.URL),
			semconv.HTTPResponseStatusCode(h.StatusCode),
		)
	}
	return attrs
}

func httpContext(s *apm.Span) *apm.HTTPContext {
	if s.Context == nil {
		return nil
	}
	return s.Context.HTTP
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// NewResource describes the service to OpenTelemetry backends.
func NewResource(s Service) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.Name),
		semconv.TelemetrySDKLanguageGo,
	}
	if s.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.Version))
	}
	if s.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(s.Environment))
	}
	if s.Hostname != "" {
		attrs = append(attrs, semconv.HostName(s.Hostname))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// NewSpanExporter builds the exporter named kind: "stdout" writes to w,
// "otlp-http" and "otlp-grpc" send to endpoint. Plain http endpoints are
// used without TLS.
func NewSpanExporter(ctx context.Context, kind, endpoint string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch kind {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp-http", "otlp-grpc":
	default:
		return nil, fmt.Errorf("unknown span exporter %q", kind)
	}

	host, insecure, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if kind == "otlp-grpc" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(host)}
		if insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	}
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, httpOpts...)
}

// splitEndpoint accepts "host:port" or a URL.
func splitEndpoint(endpoint string) (host string, insecure bool, err error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		if endpoint == "" {
			return "", false, fmt.Errorf("empty exporter endpoint")
		}
		return endpoint, false, nil
	}
	return u.Host, u.Scheme == "http", nil
}
