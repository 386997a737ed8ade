// Package inproc implements the transport.Transport contract over
// in-memory pipes, registered in a process-wide broker by endpoint
// name. It exists so every scenario test in spec.md §8 can run many
// "nodes" in one test binary with no real sockets, the same role
// lnd's discovery/gossiper_test.go fills with direct in-process
// wiring rather than dialing loopback TCP.
package inproc

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/circuitmesh/circuitd/internal/transport"
)

const scheme = "inproc://"

// broker routes Connect calls to the matching Listen call by endpoint
// name. One broker is shared by every Transport created with the same
// *Broker, letting tests wire up a private mesh instead of a global.
type Broker struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewBroker() *Broker {
	return &Broker{listeners: make(map[string]*Listener)}
}

// Transport is a transport.Transport bound to a single Broker.
type Transport struct {
	broker *Broker
	self   string
}

// New returns a Transport that dials/listens through broker, reporting
// selfEndpoint as the local side of any connection it originates.
func New(broker *Broker, selfEndpoint string) *Transport {
	return &Transport{broker: broker, self: selfEndpoint}
}

func (t *Transport) Accepts(endpoint string) bool {
	return strings.HasPrefix(endpoint, scheme)
}

func (t *Transport) Connect(endpoint string) (transport.Connection, error) {
	t.broker.mu.Lock()
	l, ok := t.broker.listeners[endpoint]
	t.broker.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inproc: no listener on %s", endpoint)
	}

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	serverSide := &Connection{
		r:      serverRead,
		w:      serverWrite,
		local:  endpoint,
		remote: t.self,
	}
	select {
	case l.incoming <- serverSide:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("inproc: listener on %s did not accept in time", endpoint)
	}

	return &Connection{
		r:      clientRead,
		w:      clientWrite,
		local:  t.self,
		remote: endpoint,
	}, nil
}

func (t *Transport) Listen(endpoint string) (transport.Listener, error) {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	if _, exists := t.broker.listeners[endpoint]; exists {
		return nil, fmt.Errorf("inproc: endpoint %s already listening", endpoint)
	}
	l := &Listener{
		endpoint: endpoint,
		incoming: make(chan *Connection, 64),
		broker:   t.broker,
	}
	t.broker.listeners[endpoint] = l
	return l, nil
}

// Listener hands out server-side Connections as peers dial in.
type Listener struct {
	endpoint string
	incoming chan *Connection
	broker   *Broker
	closeMu  sync.Mutex
	closed   bool
}

func (l *Listener) Accept() (transport.Connection, error) {
	conn, ok := <-l.incoming
	if !ok {
		return nil, fmt.Errorf("inproc: listener %s closed", l.endpoint)
	}
	return conn, nil
}

func (l *Listener) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.broker.mu.Lock()
	delete(l.broker.listeners, l.endpoint)
	l.broker.mu.Unlock()

	close(l.incoming)
	return nil
}

func (l *Listener) LocalEndpoint() string { return l.endpoint }

// Connection is a length-prefixed framed pipe pair.
type Connection struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	local  string
	remote string
}

func (c *Connection) Send(payload []byte) error {
	return writeFrame(c.w, payload)
}

func (c *Connection) Receive() ([]byte, error) {
	return readFrame(c.r)
}

func (c *Connection) RemoteEndpoint() string { return c.remote }
func (c *Connection) LocalEndpoint() string  { return c.local }

// SetDeadline is a no-op: io.Pipe has no deadline support. Tests that
// need timeout behavior wrap Receive in a select with time.After.
func (c *Connection) SetDeadline(t time.Time) error { return nil }

func (c *Connection) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
