package http_middleware

import (
	"net/http"

	"github.com/fllarpy/elastic-apm-probe/internal/adapters/apmhttp"
	"github.com/fllarpy/elastic-apm-probe/internal/application/recorder"
	"github.com/fllarpy/elastic-apm-probe/internal/application/sampling"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

// Enabled reports whether requests should be recorded at all.
func Enabled(cfg *config.Config, gate sampling.Gate) bool {
	return cfg != nil && cfg.Active && gate.Sampled()
}

// APMMiddleware creates the transaction-recording middleware. It returns a
// no-op middleware when the probe is disabled, the process is not sampled
// or rec is nil.
func APMMiddleware(cfg *config.Config, gate sampling.Gate, rec *recorder.Recorder, opts ...apmhttp.Option) func(http.Handler) http.Handler {
	if !Enabled(cfg, gate) || rec == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return apmhttp.Middleware(rec, next, opts...)
	}
}
