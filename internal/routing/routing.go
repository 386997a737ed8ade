// Package routing implements the Routing Table of spec.md §4.4: an
// in-memory map from committed circuits to their members and
// services, built lock-free for reads via copy-on-write snapshots
// behind a single atomic pointer, exactly as chainregistry.go's
// register/lookup/primary-chain pattern models structurally (the read
// path there never takes a lock either).
package routing

import (
	"sync/atomic"

	"github.com/circuitmesh/circuitd/internal/errs"
)

// Member is one circuit member's node id and advertised endpoints.
type Member struct {
	NodeID    string
	Endpoints []string
}

// Service maps a service id within a circuit to the node hosting it.
type Service struct {
	ServiceID string
	NodeID    string
}

type circuitEntry struct {
	members  []Member
	services map[string]string // service_id -> node_id
}

type snapshot struct {
	circuits map[string]circuitEntry
}

// Table is safe for concurrent use. Reads never block; writes are
// expected to be serialized by a single caller (the admin service),
// matching spec.md §4.4's "writes are serialized by the admin service
// thread."
type Table struct {
	ptr atomic.Pointer[snapshot]
}

func New() *Table {
	t := &Table{}
	t.ptr.Store(&snapshot{circuits: make(map[string]circuitEntry)})
	return t
}

func (t *Table) current() *snapshot {
	return t.ptr.Load()
}

// AddCircuit inserts or replaces the routing entry for circuitID.
func (t *Table) AddCircuit(circuitID string, members []Member, services []Service) {
	cur := t.current()
	next := &snapshot{circuits: make(map[string]circuitEntry, len(cur.circuits)+1)}
	for id, e := range cur.circuits {
		next.circuits[id] = e
	}

	svcMap := make(map[string]string, len(services))
	for _, s := range services {
		svcMap[s.ServiceID] = s.NodeID
	}
	membersCopy := make([]Member, len(members))
	copy(membersCopy, members)

	next.circuits[circuitID] = circuitEntry{members: membersCopy, services: svcMap}
	t.ptr.Store(next)
}

// RemoveCircuit deletes the routing entry for circuitID, if present.
func (t *Table) RemoveCircuit(circuitID string) {
	cur := t.current()
	if _, ok := cur.circuits[circuitID]; !ok {
		return
	}
	next := &snapshot{circuits: make(map[string]circuitEntry, len(cur.circuits)-1)}
	for id, e := range cur.circuits {
		if id == circuitID {
			continue
		}
		next.circuits[id] = e
	}
	t.ptr.Store(next)
}

// GetService resolves which node hosts serviceID within circuitID.
func (t *Table) GetService(circuitID, serviceID string) (string, error) {
	entry, ok := t.current().circuits[circuitID]
	if !ok {
		return "", errs.NotFound("circuit %s", circuitID)
	}
	nodeID, ok := entry.services[serviceID]
	if !ok {
		return "", errs.NotFound("service %s in circuit %s", serviceID, circuitID)
	}
	return nodeID, nil
}

// ListMembers returns the members of circuitID.
func (t *Table) ListMembers(circuitID string) ([]Member, error) {
	entry, ok := t.current().circuits[circuitID]
	if !ok {
		return nil, errs.NotFound("circuit %s", circuitID)
	}
	out := make([]Member, len(entry.members))
	copy(out, entry.members)
	return out, nil
}

// HasCircuit reports whether circuitID has a routing entry.
func (t *Table) HasCircuit(circuitID string) bool {
	_, ok := t.current().circuits[circuitID]
	return ok
}
