package apmsql

import "github.com/fllarpy/elastic-apm-probe/domain"

// Listener receives the events of a wrapped driver.
type Listener interface {
	domain.QueryListener
	domain.TransactionListener
}

// Option describes the connections opened through a wrapped driver.
type Option func(*domain.ConnectionInfo)

// WithDatabase names the database, reported as the span instance and used
// to pair transaction begin and end events.
func WithDatabase(name string) Option {
	return func(c *domain.ConnectionInfo) { c.Database = name }
}

// WithUser sets the database user reported on spans.
func WithUser(user string) Option {
	return func(c *domain.ConnectionInfo) { c.User = user }
}

// WithSubtype sets the span subtype, e.g. "postgresql" or "sqlite".
func WithSubtype(subtype string) Option {
	return func(c *domain.ConnectionInfo) { c.Subtype = subtype }
}

func connectionInfo(opts []Option) domain.ConnectionInfo {
	info := domain.ConnectionInfo{Subtype: "sql"}
	for _, opt := range opts {
		opt(&info)
	}
	return info
}
