package collector

import (
	"sync"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

// DefaultMaxSpans bounds a request's span buffer when no limit is configured.
const DefaultMaxSpans = 1000

// SpanBuffer accumulates the span candidates of one request, in order, up to
// a fixed capacity.
type SpanBuffer struct {
	mu      sync.Mutex
	max     int
	items   []apm.SpanCandidate
	dropped int
}

// NewSpanBuffer returns a buffer holding at most max candidates.
// A max of zero or less falls back to DefaultMaxSpans.
func NewSpanBuffer(max int) *SpanBuffer {
	if max <= 0 {
		max = DefaultMaxSpans
	}
	return &SpanBuffer{max: max}
}

// Push appends c. Once the buffer is full further candidates are discarded
// and Push reports false.
func (b *SpanBuffer) Push(c apm.SpanCandidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.max {
		b.dropped++
		return false
	}
	b.items = append(b.items, c)
	return true
}

// Len returns the number of buffered candidates.
func (b *SpanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns how many candidates were discarded since the buffer was created.
func (b *SpanBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Drain returns the buffered candidates in insertion order and empties the buffer.
func (b *SpanBuffer) Drain() []apm.SpanCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
