package collector

import (
	"context"
	"sync"
	"time"
)

// Scope is the state of one request: its span buffer, its timer and the
// start times of the database transactions currently open, per database.
type Scope struct {
	Buffer *SpanBuffer
	Timer  Timer

	mu       sync.Mutex
	txStarts map[string][]time.Time
}

// NewScope creates the state for a request that began at timer.Start().
func NewScope(maxSpans int, timer Timer) *Scope {
	return &Scope{
		Buffer:   NewSpanBuffer(maxSpans),
		Timer:    timer,
		txStarts: make(map[string][]time.Time),
	}
}

func (s *Scope) pushTxStart(database string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txStarts[database] = append(s.txStarts[database], t)
}

// popTxStart returns the most recent open transaction start for database.
func (s *Scope) popTxStart(database string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	starts := s.txStarts[database]
	if len(starts) == 0 {
		return time.Time{}, false
	}
	last := starts[len(starts)-1]
	s.txStarts[database] = starts[:len(starts)-1]
	return last, true
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the request scope, or nil outside a recorded request.
func ScopeFromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

type startKey struct{}

// WithRequestStart records when the request entered the process, so a timer
// created further down the handler chain still measures from ingress.
func WithRequestStart(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startKey{}, t)
}

// RequestStartFromContext returns the time set by WithRequestStart.
func RequestStartFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startKey{}).(time.Time)
	return t, ok
}
