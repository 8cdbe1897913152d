package domain

import (
	"context"
	"time"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

// Agent is the delivery collaborator. It hands out transactions, queues
// events and ships everything queued on Send.
type Agent interface {
	StartTransaction(name string) *apm.Transaction
	PutEvent(event apm.Event)
	Send(ctx context.Context) error
}

// Shutdowner is implemented by agents holding resources that must be released.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Snapshot is a point-in-time, read-only copy of recorded transactions.
type Snapshot struct {
	Transactions []apm.Transaction `json:"transactions"`
	Spans        []apm.Span        `json:"spans"`
	Sends        uint64            `json:"sends"`
}

// StoreReader defines the contract for reading recorded events.
type StoreReader interface {
	GetSnapshot() *Snapshot
}

// ConnectionInfo identifies the database connection an event happened on.
type ConnectionInfo struct {
	Database string
	User     string
	Subtype  string
}

// QueryEvent is emitted after a SQL statement completed.
type QueryEvent struct {
	Connection ConnectionInfo
	SQL        string
	Duration   time.Duration
}

// CommandEvent is emitted after a remote cache command completed.
type CommandEvent struct {
	Connection string
	Command    string
	Parameters []any
	Duration   time.Duration
}

// HTTPEvent is emitted after an outbound HTTP call completed, successfully or not.
// StatusCode is 0 when no response was obtained.
type HTTPEvent struct {
	Method     string
	URL        string
	Host       string
	StatusCode int
	Duration   time.Duration
}

// QueryListener observes executed queries.
type QueryListener interface {
	QueryExecuted(ctx context.Context, event QueryEvent)
}

// TransactionListener observes database transaction boundaries.
type TransactionListener interface {
	TransactionBeginning(ctx context.Context, conn ConnectionInfo)
	TransactionCommitted(ctx context.Context, conn ConnectionInfo)
	TransactionRolledBack(ctx context.Context, conn ConnectionInfo)
}

// CommandListener observes remote cache commands.
type CommandListener interface {
	CommandExecuted(ctx context.Context, event CommandEvent)
}

// HTTPListener observes outbound HTTP calls.
type HTTPListener interface {
	RequestSent(ctx context.Context, event HTTPEvent)
}

// EventListener is the full set of callbacks an event source may deliver.
// Callbacks are invoked synchronously, in emission order.
type EventListener interface {
	QueryListener
	TransactionListener
	CommandListener
	HTTPListener
}

// NopListener discards every event. Sources get it when instrumentation is off.
type NopListener struct{}

func (NopListener) QueryExecuted(context.Context, QueryEvent)             {}
func (NopListener) TransactionBeginning(context.Context, ConnectionInfo)  {}
func (NopListener) TransactionCommitted(context.Context, ConnectionInfo)  {}
func (NopListener) TransactionRolledBack(context.Context, ConnectionInfo) {}
func (NopListener) CommandExecuted(context.Context, CommandEvent)         {}
func (NopListener) RequestSent(context.Context, HTTPEvent)                {}

var _ EventListener = NopListener{}
