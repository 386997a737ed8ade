package peer

import "runtime"

// decrementer is implemented by *Manager; PeerRef/EndpointPeerRef only
// need this much of it, keeping the handle types usable without an
// import cycle back onto the full Manager API.
type decrementer interface {
	decrementRef(id string)
	decrementEndpointRef(endpoint string)
}

// PeerRef is the only externally visible way to hold a known peer
// open, per spec.md §4.1: "destruction posts a decrement-reference
// request." Callers must not copy a PeerRef; pass the pointer around
// and let it go out of scope (or call Release explicitly) when done.
type PeerRef struct {
	ID      string
	manager decrementer
	live    bool
}

func newPeerRef(id string, m decrementer) *PeerRef {
	ref := &PeerRef{ID: id, manager: m, live: true}
	runtime.SetFinalizer(ref, func(r *PeerRef) { r.Release() })
	return ref
}

// Release posts the decrement-reference request immediately rather
// than waiting for garbage collection. Idempotent.
func (r *PeerRef) Release() {
	if !r.live {
		return
	}
	r.live = false
	runtime.SetFinalizer(r, nil)
	r.manager.decrementRef(r.ID)
}

// EndpointPeerRef is the handle returned by add_unidentified_peer,
// ref-counted against an endpoint rather than a node id until the
// connection manager reports an identity.
type EndpointPeerRef struct {
	Endpoint string
	manager  decrementer
	live     bool
}

func newEndpointPeerRef(endpoint string, m decrementer) *EndpointPeerRef {
	ref := &EndpointPeerRef{Endpoint: endpoint, manager: m, live: true}
	runtime.SetFinalizer(ref, func(r *EndpointPeerRef) { r.Release() })
	return ref
}

func (r *EndpointPeerRef) Release() {
	if !r.live {
		return
	}
	r.live = false
	runtime.SetFinalizer(r, nil)
	r.manager.decrementEndpointRef(r.Endpoint)
}
