// Package peer implements the Peer Manager of spec.md §4.1: a
// single-owner mailbox actor tracking which remote nodes this node is
// connected (or trying to connect) to, reference-counted through
// PeerRef/EndpointPeerRef handles. Grounded in server.go's
// queryHandler/s.peers bookkeeping, generalized from a single
// map[int32]*peer to the richer per-node status machine the spec
// requires.
package peer

import "time"

// Status mirrors the peer lifecycle states of spec.md §4.1.
type Status int

const (
	StatusPending Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

const (
	// defaultRetryFrequency is the initial backoff before a Pending
	// peer is retried by the pacemaker.
	defaultRetryFrequency = 10 * time.Second

	// maxRetryFrequency caps the exponential backoff applied on
	// repeated fatal connection errors.
	maxRetryFrequency = 300 * time.Second

	// maxRetryAttempts is the NonFatalConnectionError attempt count at
	// which the peer manager gives up on the active endpoint and
	// fails over to another.
	maxRetryAttempts = 5

	// requestedEndpointsRetryFrequency paces re-attempts of
	// unidentified (add_unidentified_peer) endpoints that have not yet
	// resolved to a known identity.
	requestedEndpointsRetryFrequency = 60 * time.Second
)

// metadata is the peer-manager's private record for one node id. It
// is only ever read or written from Manager.run; nothing outside this
// package sees a *metadata value.
type metadata struct {
	id       string
	refCount int

	endpoints      []string
	activeEndpoint string
	connectionID   string

	status        Status
	retryAttempts int
	retryFrequency time.Duration
	lastAttempt   time.Time

	// fromEndpoint records that this peer was created by
	// add_unidentified_peer and originally had exactly one endpoint,
	// per spec.md §4.1's add_peer promotion rule.
	fromEndpoint bool
}

func newMetadata(id, connectionID string, endpoints []string) *metadata {
	return &metadata{
		id:             id,
		connectionID:   connectionID,
		endpoints:      endpoints,
		status:         StatusPending,
		retryFrequency: defaultRetryFrequency,
	}
}

// unidentifiedPeer tracks an add_unidentified_peer request before its
// identity is known.
type unidentifiedPeer struct {
	endpoint     string
	connectionID string
	refCount     int
	lastAttempt  time.Time
}
