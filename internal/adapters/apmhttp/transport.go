package apmhttp

import (
	"net/http"
	"time"

	"github.com/fllarpy/elastic-apm-probe/domain"
)

// Transport is an http.RoundTripper that measures requests and reports them.
type Transport struct {
	// Base is the underlying RoundTripper to execute the request.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	listener domain.HTTPListener
}

// RoundTrip executes a single HTTP transaction and reports it, failed or not.
// The status code is 0 when no response was obtained.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	duration := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	host := req.URL.Host
	if req.Host != "" {
		host = req.Host
	}

	t.listener.RequestSent(req.Context(), domain.HTTPEvent{
		Method:     method,
		URL:        req.URL.String(),
		Host:       host,
		StatusCode: status,
		Duration:   duration,
	})
	return resp, err
}

// NewTransport wraps base so that every call is reported to listener.
func NewTransport(base http.RoundTripper, listener domain.HTTPListener) *Transport {
	if listener == nil {
		listener = domain.NopListener{}
	}
	return &Transport{
		Base:     base,
		listener: listener,
	}
}
