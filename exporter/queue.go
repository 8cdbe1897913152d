package exporter

import (
	"sync"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

// bundle is a finished transaction with its spans.
type bundle struct {
	tx    *apm.Transaction
	spans []*apm.Span
}

// queue holds events until Send. Requests finish concurrently, so a send may
// run while another request is still putting its spans: spans stay queued
// until their transaction has been put too. A span still without its
// transaction after two takes is an orphan and is discarded.
type queue struct {
	mu     sync.Mutex
	events []queued
}

type queued struct {
	event apm.Event
	// misses counts the takes that left the span behind.
	misses int
}

const maxOrphanMisses = 2

func (q *queue) put(e apm.Event) {
	if e == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, queued{event: e})
}

// take removes and returns every complete transaction, in the order the
// transactions were put, and the number of orphan spans it discarded.
func (q *queue) take() ([]bundle, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	index := make(map[string]int)
	var bundles []bundle
	for _, e := range q.events {
		if tx, ok := e.event.(*apm.Transaction); ok {
			index[tx.ID] = len(bundles)
			bundles = append(bundles, bundle{tx: tx})
		}
	}

	var rest []queued
	orphans := 0
	for _, e := range q.events {
		s, ok := e.event.(*apm.Span)
		if !ok {
			continue
		}
		if i, found := index[s.TransactionID]; found {
			bundles[i].spans = append(bundles[i].spans, s)
			continue
		}
		e.misses++
		if e.misses >= maxOrphanMisses {
			orphans++
			continue
		}
		rest = append(rest, e)
	}
	q.events = rest
	return bundles, orphans
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
