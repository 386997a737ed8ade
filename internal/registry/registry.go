// Package registry tracks the set of known nodes and their advertised
// endpoints and public keys, used by the admin service to validate
// circuit-proposal membership (spec.md §4.3 step 1: "validity of every
// member (all nodes exist in local registry with advertised
// endpoints)"). Grounded in chainregistry.go's
// register/lookup/primary-chain pattern: a small map guarded by one
// mutex, with a "primary" concept reused here as the local node id.
package registry

import (
	"sync"

	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/node"
)

// Registry is a thread-safe store of known nodes.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]node.Node
	localNode string
}

func New(localNode string) *Registry {
	return &Registry{nodes: make(map[string]node.Node), localNode: localNode}
}

// Register adds or replaces a node's advertised endpoints/public keys.
func (r *Registry) Register(n node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
}

// Lookup returns the registered node by id.
func (r *Registry) Lookup(id string) (node.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return node.Node{}, errs.NotFound("node %s", id)
	}
	return n, nil
}

// Exists reports whether id is a known node with at least one
// advertised endpoint.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && len(n.Endpoints) > 0
}

// HasPublicKey reports whether id's registered key set contains key.
func (r *Registry) HasPublicKey(id string, key []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	return n.HasPublicKey(key)
}

// Primary returns this process's own node id, mirroring
// chainregistry.go's notion of a primary chain among registered
// candidates.
func (r *Registry) Primary() string {
	return r.localNode
}

// All returns a snapshot of every registered node.
func (r *Registry) All() []node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
