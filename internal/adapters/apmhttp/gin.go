package apmhttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fllarpy/elastic-apm-probe/internal/application/collector"
	"github.com/fllarpy/elastic-apm-probe/internal/application/recorder"
)

// GinMiddleware is Middleware for gin engines. Transactions are named after
// gin's full path, e.g. "/users/:id".
func GinMiddleware(rec *recorder.Recorder) gin.HandlerFunc {
	if rec == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, ok := collector.RequestStartFromContext(ctx); !ok {
			ctx = collector.WithRequestStart(ctx, time.Now())
		}
		ctx, recording := rec.Begin(ctx, c.Request)
		c.Request = c.Request.WithContext(ctx)

		defer func() {
			p := recover()
			status := c.Writer.Status()
			if p != nil && !c.Writer.Written() {
				status = http.StatusInternalServerError
			}
			rec.End(ctx, recording, c.Request, recorder.ResponseInfo{
				StatusCode:  status,
				Header:      c.Writer.Header(),
				HeadersSent: c.Writer.Written(),
				Route:       c.FullPath(),
			})
			if p != nil {
				panic(p)
			}
		}()

		c.Next()
	}
}
