package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
)

// ErrCollectorStatus is returned when the APM server answers with an error status.
var ErrCollectorStatus = errors.New("apm server rejected the payload")

const (
	intakeV1Path = "/v1/transactions"
	intakeV2Path = "/intake/v2/events"

	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// IntakeOptions configure an IntakeAgent.
type IntakeOptions struct {
	ServerURL   string
	SecretToken string
	// APIVersion selects the wire format, "v1" or "v2" (the default).
	APIVersion string
	Timeout    time.Duration
	Service    Service
	Logger     *zap.Logger

	// Transport replaces the default HTTP transport.
	Transport http.RoundTripper

	// BreakerFailures is the number of consecutive failed sends that opens
	// the circuit. While open, Send fails fast for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// IntakeAgent ships transactions to an Elastic APM server.
type IntakeAgent struct {
	client     *resty.Client
	breaker    *gobreaker.CircuitBreaker
	apiVersion string
	meta       metadata
	queue      queue
	logger     *zap.Logger
}

var (
	_ domain.Agent      = (*IntakeAgent)(nil)
	_ domain.Shutdowner = (*IntakeAgent)(nil)
)

func NewIntakeAgent(opts IntakeOptions) *IntakeAgent {
	logger := logging.OrNop(opts.Logger).With(zap.String("component", "intake"))

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.ServerURL, "/")).
		SetHeader("User-Agent", AgentName+"/"+AgentVersion).
		SetLogger(logger.Sugar())
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.SecretToken != "" {
		client.SetAuthToken(opts.SecretToken)
	}
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "apm-intake",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	apiVersion := opts.APIVersion
	if apiVersion == "" {
		apiVersion = "v2"
	}

	return &IntakeAgent{
		client:     client,
		breaker:    breaker,
		apiVersion: apiVersion,
		meta:       newMetadata(opts.Service),
		logger:     logger,
	}
}

func (a *IntakeAgent) StartTransaction(name string) *apm.Transaction {
	return apm.NewTransaction(name, time.Now())
}

func (a *IntakeAgent) PutEvent(event apm.Event) {
	a.queue.put(event)
}

// Send posts every complete transaction queued so far in one gzip request.
// Nothing is retried: a failed payload is dropped.
func (a *IntakeAgent) Send(ctx context.Context) error {
	bundles, orphans := a.queue.take()
	if orphans > 0 {
		a.logger.Warn("discarded spans without a transaction", zap.Int("count", orphans))
	}
	if len(bundles) == 0 {
		return nil
	}

	path, contentType, payload, err := a.encode(bundles)
	if err != nil {
		return fmt.Errorf("encode intake payload: %w", err)
	}
	body, err := compress(payload)
	if err != nil {
		return fmt.Errorf("compress intake payload: %w", err)
	}

	_, err = a.breaker.Execute(func() (any, error) {
		return nil, a.post(ctx, path, contentType, body)
	})
	if err != nil {
		return fmt.Errorf("send %d transactions: %w", len(bundles), err)
	}
	a.logger.Debug("sent transactions", zap.Int("count", len(bundles)), zap.String("path", path))
	return nil
}

// Shutdown sends what is still queued and releases idle connections.
func (a *IntakeAgent) Shutdown(ctx context.Context) error {
	err := a.Send(ctx)
	a.client.GetClient().CloseIdleConnections()
	return err
}

func (a *IntakeAgent) post(ctx context.Context, path, contentType string, body []byte) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("Content-Encoding", "gzip").
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s %s", ErrCollectorStatus, resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (a *IntakeAgent) encode(bundles []bundle) (path, contentType string, payload []byte, err error) {
	if a.apiVersion == "v1" {
		payload, err = json.Marshal(newV1Payload(a.meta, bundles))
		return intakeV1Path, "application/json", payload, err
	}
	payload, err = encodeV2(a.meta, bundles)
	return intakeV2Path, "application/x-ndjson", payload, err
}

// encodeV2 writes one metadata line followed by a line per event.
func encodeV2(meta metadata, bundles []bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	if err := enc.Encode(struct {
		Metadata metadata `json:"metadata"`
	}{meta}); err != nil {
		return nil, err
	}
	for _, b := range bundles {
		if err := enc.Encode(struct {
			Transaction *apm.Transaction `json:"transaction"`
		}{b.tx}); err != nil {
			return nil, err
		}
		for _, s := range b.spans {
			if err := enc.Encode(struct {
				Span *apm.Span `json:"span"`
			}{s}); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
