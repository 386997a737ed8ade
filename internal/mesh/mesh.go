// Package mesh implements the blocking multiplexer described in
// spec.md §2 "Mesh": Send(connection_id, payload), Recv() ->
// (connection_id, payload), plus connection-added/removed lifecycle
// notifications. It is the lowest layer above raw transport.Connection,
// and owns nothing but routing tables keyed by connection id -- all
// actual I/O happens in the per-connection goroutines registered with
// it, following the teacher's split between server.go (bookkeeping)
// and peer.go (per-connection read/write loops).
package mesh

import (
	"fmt"
	"sync"

	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/transport"
)

// Envelope pairs a connection id with the raw bytes received on it.
type Envelope struct {
	ConnectionID string
	Payload      []byte
}

// EventType enumerates connection lifecycle events the mesh fans out.
type EventType int

const (
	EventConnectionAdded EventType = iota
	EventConnectionRemoved
)

// Event is delivered to every mesh subscriber.
type Event struct {
	Type         EventType
	ConnectionID string
}

// Mesh multiplexes many transport.Connections behind a single
// Send/Recv interface keyed by opaque connection id.
type Mesh struct {
	mu          sync.RWMutex
	conns       map[string]transport.Connection
	inbound     chan Envelope
	subscribers []chan Event
	quit        chan struct{}
	wg          sync.WaitGroup
}

func New() *Mesh {
	return &Mesh{
		conns:   make(map[string]transport.Connection),
		inbound: make(chan Envelope, 256),
		quit:    make(chan struct{}),
	}
}

// AddConnection registers conn under id and starts a goroutine pumping
// its inbound bytes into Recv. It is safe to call AddConnection before
// or after the mesh has started processing; there is no separate
// Start method since the mesh has no goroutine of its own beyond the
// one this spawns.
func (m *Mesh) AddConnection(id string, conn transport.Connection) {
	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()

	m.publish(Event{Type: EventConnectionAdded, ConnectionID: id})

	m.wg.Add(1)
	go m.readLoop(id, conn)
}

func (m *Mesh) readLoop(id string, conn transport.Connection) {
	defer m.wg.Done()
	for {
		payload, err := conn.Receive()
		if err != nil {
			logging.MeshLog.Debugf("connection %s closed: %v", id, err)
			m.RemoveConnection(id)
			return
		}
		select {
		case m.inbound <- Envelope{ConnectionID: id, Payload: payload}:
		case <-m.quit:
			return
		}
	}
}

// RemoveConnection closes and forgets the connection registered under
// id. Idempotent: removing an already-removed id is a no-op.
func (m *Mesh) RemoveConnection(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	m.publish(Event{Type: EventConnectionRemoved, ConnectionID: id})
}

// Send writes payload to the connection registered under id.
func (m *Mesh) Send(id string, payload []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mesh: no connection %s", id)
	}
	return conn.Send(payload)
}

// Recv blocks until the next inbound message arrives or the mesh is
// shut down, in which case ok is false.
func (m *Mesh) Recv() (Envelope, bool) {
	select {
	case env := <-m.inbound:
		return env, true
	case <-m.quit:
		return Envelope{}, false
	}
}

// Subscribe returns a channel of lifecycle events. The channel is
// buffered; a slow subscriber drops events rather than blocking the
// mesh, matching the design note that no actor blocks on a send to a
// dropped/slow caller.
func (m *Mesh) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Mesh) publish(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			logging.MeshLog.Warnf("subscriber channel full, dropping event %+v", ev)
		}
	}
}

// Sender adapts one connection id into the minimal Send([]byte) error
// shape internal/dispatch's MessageSender expects, without dispatch
// needing a direct reference to the Mesh.
type Sender struct {
	mesh *Mesh
	id   string
}

func (m *Mesh) NewSender(id string) Sender { return Sender{mesh: m, id: id} }

func (s Sender) Send(payload []byte) error { return s.mesh.Send(s.id, payload) }

// ConnectionIDs returns a snapshot of all currently registered
// connection ids.
func (m *Mesh) ConnectionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every registered connection and stops accepting new
// Recv callers. Idempotent.
func (m *Mesh) Shutdown() {
	select {
	case <-m.quit:
		return
	default:
		close(m.quit)
	}

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]transport.Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
}
