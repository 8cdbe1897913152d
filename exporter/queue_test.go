package exporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

func TestQueue_BundlesSpansWithTheirTransaction(t *testing.T) {
	var q queue
	first := apm.NewTransaction("GET /a", time.Now())
	second := apm.NewTransaction("GET /b", time.Now())

	q.put(apm.NewSpan(apm.SpanCandidate{Name: "SELECT"}, first))
	q.put(apm.NewSpan(apm.SpanCandidate{Name: "INSERT"}, second))
	q.put(first)
	q.put(nil)
	q.put(second)

	bundles, orphans := q.take()
	require.Len(t, bundles, 2)
	assert.Zero(t, orphans)
	assert.Same(t, first, bundles[0].tx)
	require.Len(t, bundles[0].spans, 1)
	assert.Equal(t, "SELECT", bundles[0].spans[0].Name)
	assert.Same(t, second, bundles[1].tx)
	assert.Equal(t, 0, q.len())
}

func TestQueue_DiscardsOrphanSpans(t *testing.T) {
	var q queue
	lost := apm.NewTransaction("GET /panicked", time.Now())
	q.put(apm.NewSpan(apm.SpanCandidate{Name: "SELECT"}, lost))

	bundles, orphans := q.take()
	assert.Empty(t, bundles)
	assert.Zero(t, orphans, "a span gets one more take to meet its transaction")
	assert.Equal(t, 1, q.len())

	late := apm.NewTransaction("GET /late", time.Now())
	q.put(apm.NewSpan(apm.SpanCandidate{Name: "UPDATE"}, late))

	bundles, orphans = q.take()
	assert.Empty(t, bundles)
	assert.Equal(t, 1, orphans)
	assert.Equal(t, 1, q.len(), "only the span left behind twice is discarded")

	q.put(late)
	bundles, orphans = q.take()
	require.Len(t, bundles, 1)
	assert.Zero(t, orphans)
	require.Len(t, bundles[0].spans, 1)
	assert.Equal(t, "UPDATE", bundles[0].spans[0].Name)
	assert.Equal(t, 0, q.len())
}
