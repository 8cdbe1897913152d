// Package http_reporter exposes what the probe has recorded over HTTP.
//
// NewHandler serves the last delivered transactions and spans of a
// domain.StoreReader as JSON, which is handy while developing with the
// in-memory agent. NewMetricsHandler serves the probe's own Prometheus
// counters in the text exposition format.
//
// Both handlers implement http.Handler and can be mounted on any router.
package http_reporter
