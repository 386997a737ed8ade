// Package transport defines the minimal blocking byte-stream contract
// the core consumes from whatever concrete transport a deployment
// chooses (TCP, TLS, or an in-process pipe for tests). The core never
// imports net directly outside this package's concrete adapters.
package transport

import "time"

// Connection is a single bidirectional byte-stream. Send and Receive
// block; callers run them from dedicated goroutines (see
// internal/connmgr), matching spec.md §5's "every actor suspends only
// on its input channel or a blocking network call" model.
type Connection interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	RemoteEndpoint() string
	LocalEndpoint() string
	SetDeadline(t time.Time) error
	Close() error
}

// Listener accepts inbound Connections.
type Listener interface {
	Accept() (Connection, error)
	Close() error
	LocalEndpoint() string
}

// Transport dials outbound Connections and creates Listeners for a
// given endpoint URI scheme.
type Transport interface {
	Connect(endpoint string) (Connection, error)
	Listen(endpoint string) (Listener, error)
	// Accepts reports whether this Transport can handle the given
	// endpoint's URI scheme (e.g. "tcp://", "inproc://").
	Accepts(endpoint string) bool
}

// Multiplex selects the first Transport in transports that accepts
// endpoint, for setups where several schemes are configured
// simultaneously (e.g. tcp + inproc in tests). It returns nil when no
// Transport accepts endpoint.
func Multiplex(transports []Transport, endpoint string) Transport {
	for _, t := range transports {
		if t.Accepts(endpoint) {
			return t
		}
	}
	return nil
}
