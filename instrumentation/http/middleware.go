// Package http instruments net/http servers and clients with a probe.
package http

import (
	"net/http"

	apm "github.com/fllarpy/elastic-apm-probe"
)

// NewMiddleware records a transaction for every request handled by handler.
func NewMiddleware(probe *apm.Probe, handler http.Handler) http.Handler {
	return probe.Middleware(handler)
}

// NewClient returns a copy of base whose calls become spans.
func NewClient(probe *apm.Probe, base *http.Client) *http.Client {
	return probe.NewClient(base)
}

// NewTransport wraps base, http.DefaultTransport when nil.
func NewTransport(probe *apm.Probe, base http.RoundTripper) http.RoundTripper {
	return probe.Transport(base)
}
