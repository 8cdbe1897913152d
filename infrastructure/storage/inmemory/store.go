package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

const (
	// Default number of transactions and spans kept after delivery.
	defaultEventBufferSize = 100
)

// --- Store Implementation ---

// Store is a thread-safe in-memory agent. Send moves queued events into ring
// buffers that GetSnapshot serves, which makes it the agent of choice for the
// debug reporter and for tests.
var (
	_ domain.Agent       = (*Store)(nil)
	_ domain.StoreReader = (*Store)(nil)
)

type Store struct {
	mu           sync.RWMutex
	pending      []apm.Event
	transactions *ringBuffer[apm.Transaction]
	spans        *ringBuffer[apm.Span]
	sends        uint64
}

// NewStore creates a Store keeping the last 100 transactions and spans.
func NewStore() *Store {
	return NewStoreWithSize(defaultEventBufferSize)
}

// NewStoreWithSize creates a Store keeping the last size transactions and spans.
func NewStoreWithSize(size int) *Store {
	if size <= 0 {
		size = defaultEventBufferSize
	}
	return &Store{
		transactions: newRingBuffer[apm.Transaction](size),
		spans:        newRingBuffer[apm.Span](size),
	}
}

// StartTransaction hands out a new transaction starting now.
func (s *Store) StartTransaction(name string) *apm.Transaction {
	return apm.NewTransaction(name, time.Now())
}

// PutEvent queues an event until the next Send.
func (s *Store) PutEvent(event apm.Event) {
	if event == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, event)
}

// Send moves the queued events into the ring buffers.
func (s *Store) Send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.pending {
		switch ev := e.(type) {
		case *apm.Transaction:
			s.transactions.add(*ev)
		case *apm.Span:
			s.spans.add(*ev)
		}
	}
	s.pending = nil
	s.sends++
	return nil
}

// Pending returns how many events wait for the next Send.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// GetSnapshot returns a read-only copy of the delivered events.
func (s *Store) GetSnapshot() *domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &domain.Snapshot{
		Transactions: s.transactions.getAll(),
		Spans:        s.spans.getAll(),
		Sends:        s.sends,
	}
}

// --- Ring Buffer for Events ---

// ringBuffer is a generic, thread-unsafe circular buffer.
// The locking must be handled by the parent (Store).
type ringBuffer[T any] struct {
	buffer []T
	size   int
	start  int
	count  int
}

// newRingBuffer creates a new ring buffer of a given size.
func newRingBuffer[T any](size int) *ringBuffer[T] {
	return &ringBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
}

// add inserts an element into the buffer, overwriting the oldest if full.
func (rb *ringBuffer[T]) add(item T) {
	index := (rb.start + rb.count) % rb.size
	rb.buffer[index] = item
	if rb.count < rb.size {
		rb.count++
	} else {
		rb.start = (rb.start + 1) % rb.size
	}
}

// getAll returns all elements in the buffer in order.
func (rb *ringBuffer[T]) getAll() []T {
	if rb.count == 0 {
		return nil
	}
	items := make([]T, rb.count)
	for i := 0; i < rb.count; i++ {
		items[i] = rb.buffer[(rb.start+i)%rb.size]
	}
	return items
}
