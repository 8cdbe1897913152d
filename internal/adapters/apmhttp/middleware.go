package apmhttp

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fllarpy/elastic-apm-probe/internal/application/collector"
	"github.com/fllarpy/elastic-apm-probe/internal/application/recorder"
)

// Option configures Middleware and GinMiddleware.
type Option func(*options)

type options struct {
	route RouteResolver
}

// WithRouteResolver replaces DefaultRouteResolver.
func WithRouteResolver(resolve RouteResolver) Option {
	return func(o *options) { o.route = resolve }
}

func newOptions(opts []Option) options {
	o := options{route: DefaultRouteResolver}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// statusRecorder is a wrapper around http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.status = http.StatusOK
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		if !rw.wroteHeader {
			rw.status = http.StatusOK
			rw.wroteHeader = true
		}
		f.Flush()
	}
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("apmhttp: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records a transaction for every request served by next and
// delivers it once next returns. A nil recorder disables instrumentation.
func Middleware(rec *recorder.Recorder, next http.Handler, opts ...Option) http.Handler {
	if rec == nil {
		return next
	}
	o := newOptions(opts)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, ok := collector.RequestStartFromContext(ctx); !ok {
			ctx = collector.WithRequestStart(ctx, time.Now())
		}
		ctx, recording := rec.Begin(ctx, r)
		r = r.WithContext(ctx)
		sw := &statusRecorder{ResponseWriter: w}

		defer func() {
			p := recover()
			status := sw.status
			if p != nil && !sw.wroteHeader {
				status = http.StatusInternalServerError
			}
			rec.End(ctx, recording, r, recorder.ResponseInfo{
				StatusCode:  status,
				Header:      sw.Header(),
				HeadersSent: sw.wroteHeader,
				Route:       o.route(r),
			})
			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(sw, r)
	})
}
