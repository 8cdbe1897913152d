package apm

import "math"

// SpanCandidate is a span observed during a request but not yet attached to a
// transaction. Start is epoch seconds, Duration is milliseconds.
type SpanCandidate struct {
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	Subtype    string       `json:"subtype"`
	Action     string       `json:"action,omitempty"`
	Start      float64      `json:"start"`
	Duration   float64      `json:"duration"`
	Context    *SpanContext `json:"context,omitempty"`
	Stacktrace []StackFrame `json:"stacktrace,omitempty"`
}

// End returns the reconstructed end of the operation in epoch seconds.
func (c SpanCandidate) End() float64 {
	return c.Start + c.Duration/1000
}

// SpanContext carries the domain specific attributes of a span.
type SpanContext struct {
	DB   *DBContext   `json:"db,omitempty"`
	HTTP *HTTPContext `json:"http,omitempty"`
}

// DBContext describes a database or cache operation.
type DBContext struct {
	Instance  string `json:"instance,omitempty"`
	Statement string `json:"statement,omitempty"`
	Type      string `json:"type,omitempty"`
	User      string `json:"user,omitempty"`
}

// HTTPContext describes an outbound HTTP call.
type HTTPContext struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// StackFrame is a single frame of a captured call stack.
type StackFrame struct {
	Function     string   `json:"function"`
	AbsPath      string   `json:"abs_path"`
	Filename     string   `json:"filename"`
	Lineno       int      `json:"lineno"`
	LibraryFrame bool     `json:"library_frame"`
	PreContext   []string `json:"pre_context,omitempty"`
	ContextLine  string   `json:"context_line,omitempty"`
	PostContext  []string `json:"post_context,omitempty"`
}

// Span is a finalized span event attached to a transaction.
type Span struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	ParentID      string       `json:"parent_id"`
	TraceID       string       `json:"trace_id"`
	Name          string       `json:"name"`
	Type          string       `json:"type"`
	Subtype       string       `json:"subtype,omitempty"`
	Action        string       `json:"action,omitempty"`
	Timestamp     int64        `json:"timestamp"`
	Duration      float64      `json:"duration"`
	Context       *SpanContext `json:"context,omitempty"`
	Stacktrace    []StackFrame `json:"stacktrace,omitempty"`
}

// NewSpan builds a span event for tx from a buffered candidate.
func NewSpan(c SpanCandidate, tx *Transaction) *Span {
	s := &Span{
		ID:            newSpanID(),
		TransactionID: tx.ID,
		ParentID:      tx.ID,
		TraceID:       tx.TraceID,
		Name:          c.Name,
		Type:          c.Type,
		Subtype:       c.Subtype,
		Action:        c.Action,
		Duration:      c.Duration,
		Context:       c.Context,
		Stacktrace:    c.Stacktrace,
	}
	s.SetStart(c.Start)
	return s
}

// SetStart sets the span timestamp from epoch seconds.
func (s *Span) SetStart(seconds float64) {
	s.Timestamp = int64(math.Round(seconds * 1e6))
}

func (s *Span) eventType() string { return "span" }
