package apm

import "time"

// Event is anything an agent can deliver.
type Event interface {
	eventType() string
}

// EventType reports the intake key of e ("span" or "transaction").
func EventType(e Event) string {
	return e.eventType()
}

// Transaction is the top level event recorded for one inbound request.
type Transaction struct {
	ID        string             `json:"id"`
	TraceID   string             `json:"trace_id"`
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	Result    string             `json:"result,omitempty"`
	Timestamp int64              `json:"timestamp"`
	Duration  float64            `json:"duration"`
	Sampled   bool               `json:"sampled"`
	SpanCount SpanCount          `json:"span_count"`
	Context   TransactionContext `json:"context"`

	stopped bool
}

// SpanCount is the number of spans started for a transaction.
type SpanCount struct {
	Started int `json:"started"`
	Dropped int `json:"dropped"`
}

// TransactionContext holds request, response and user metadata.
type TransactionContext struct {
	Request  *RequestContext   `json:"request,omitempty"`
	Response *ResponseContext  `json:"response,omitempty"`
	User     *UserContext      `json:"user,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// RequestContext describes the inbound request.
type RequestContext struct {
	Method      string            `json:"method"`
	URL         URL               `json:"url"`
	HTTPVersion string            `json:"http_version,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// URL is the request URL split the way the intake expects it.
type URL struct {
	Full     string `json:"full"`
	Hostname string `json:"hostname,omitempty"`
	Pathname string `json:"pathname"`
	Search   string `json:"search,omitempty"`
}

// ResponseContext describes the response sent for the request.
type ResponseContext struct {
	Finished    bool              `json:"finished"`
	HeadersSent bool              `json:"headers_sent"`
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// UserContext identifies the caller. Fields are null for anonymous requests.
type UserContext struct {
	ID        *string `json:"id"`
	Email     *string `json:"email"`
	Username  *string `json:"username"`
	IP        string  `json:"ip,omitempty"`
	UserAgent string  `json:"user-agent,omitempty"`
}

// NewTransaction starts a transaction at now with fresh identifiers.
func NewTransaction(name string, now time.Time) *Transaction {
	return &Transaction{
		ID:        newSpanID(),
		TraceID:   newTraceID(),
		Name:      name,
		Type:      "request",
		Timestamp: now.UnixMicro(),
		Sampled:   true,
	}
}

// SetName renames the transaction.
func (t *Transaction) SetName(name string) {
	t.Name = name
}

// Stop sets the final duration in milliseconds. Only the first call counts.
func (t *Transaction) Stop(durationMs float64) {
	if t.stopped {
		return
	}
	t.Duration = durationMs
	t.stopped = true
}

// Stopped reports whether Stop has been called.
func (t *Transaction) Stopped() bool {
	return t.stopped
}

func (t *Transaction) eventType() string { return "transaction" }
