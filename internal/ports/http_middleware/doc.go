// Package http_middleware builds the server middleware from configuration.
//
// APMMiddleware returns a constructor suitable for routers that take
// func(http.Handler) http.Handler, such as chi. When the probe is inactive or
// the process was not sampled the constructor returns handlers untouched, so
// an unsampled worker pays nothing per request.
package http_middleware
