// Package apmhttp instruments net/http. Middleware and GinMiddleware record
// one transaction per inbound request; Transport reports outbound calls made
// while such a request is being handled.
package apmhttp
