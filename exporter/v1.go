package exporter

import (
	"strings"
	"time"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

// The v1 intake takes whole transactions with their spans nested, span start
// times being milliseconds relative to the transaction.

type v1Payload struct {
	Service      serviceMetadata `json:"service"`
	System       systemMetadata  `json:"system"`
	Process      processMetadata `json:"process"`
	Transactions []v1Transaction `json:"transactions"`
}

type v1Transaction struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Result    string                 `json:"result,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Duration  float64                `json:"duration"`
	Sampled   bool                   `json:"sampled"`
	Context   apm.TransactionContext `json:"context"`
	Spans     []v1Span               `json:"spans,omitempty"`
	SpanCount v1SpanCount            `json:"span_count"`
}

type v1SpanCount struct {
	Dropped struct {
		Total int `json:"total"`
	} `json:"dropped"`
}

type v1Span struct {
	ID         int              `json:"id"`
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Start      float64          `json:"start"`
	Duration   float64          `json:"duration"`
	Context    *apm.SpanContext `json:"context,omitempty"`
	Stacktrace []apm.StackFrame `json:"stacktrace,omitempty"`
}

const v1TimestampFormat = "2006-01-02T15:04:05.000Z"

func newV1Payload(meta metadata, bundles []bundle) v1Payload {
	p := v1Payload{
		Service:      meta.Service,
		System:       meta.System,
		Process:      meta.Process,
		Transactions: make([]v1Transaction, 0, len(bundles)),
	}
	for _, b := range bundles {
		tx := v1Transaction{
			ID:        b.tx.ID,
			Name:      b.tx.Name,
			Type:      b.tx.Type,
			Result:    b.tx.Result,
			Timestamp: time.UnixMicro(b.tx.Timestamp).UTC().Format(v1TimestampFormat),
			Duration:  b.tx.Duration,
			Sampled:   b.tx.Sampled,
			Context:   b.tx.Context,
		}
		tx.SpanCount.Dropped.Total = b.tx.SpanCount.Dropped
		for i, s := range b.spans {
			tx.Spans = append(tx.Spans, v1Span{
				ID:         i,
				Name:       s.Name,
				Type:       dottedType(s.Type, s.Subtype, s.Action),
				Start:      float64(s.Timestamp-b.tx.Timestamp) / 1000,
				Duration:   s.Duration,
				Context:    s.Context,
				Stacktrace: s.Stacktrace,
			})
		}
		p.Transactions = append(p.Transactions, tx)
	}
	return p
}

// dottedType joins the non-empty parts, e.g. "db.postgresql.query".
func dottedType(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}
