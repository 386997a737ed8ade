package peer

import (
	"fmt"
	"sort"
	"time"

	"github.com/circuitmesh/circuitd/internal/connmgr"
	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/metrics"
)

// EventType enumerates the notifications fanned out to peer-manager
// subscribers.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
)

// Event is delivered to every subscriber in commit order.
type Event struct {
	Type   EventType
	PeerID string
}

// RefMode controls the failure semantics of an unknown decrement-ref
// request, per spec.md §4.1's "Failure semantics": strict mode panics
// (a programming error inside this process), loose mode logs and
// ignores it.
type RefMode int

const (
	RefModeStrict RefMode = iota
	RefModeLoose
)

// connector is the subset of connmgr.Manager the peer manager drives;
// narrowed to an interface so tests can supply a fake without wiring a
// whole transport stack.
type connector interface {
	RequestConnection(endpoint, connectionID string) error
	RemoveConnection(connectionID string)
}

// command is one mailbox message. Every exported Manager method below
// builds one of these and sends it; all but Notify, RetryPending and
// SetMetrics then block on a reply channel they own -- the same shape spec.md describes as "One mailbox channel
// receives: AddPeer{id,endpoints} -> PeerRef, ...".
type command interface {
	execute(m *Manager)
}

// Manager is the peer-manager actor. All fields below run() touches
// are only ever accessed from its own goroutine.
type Manager struct {
	conn        connector
	refMode     RefMode
	localNodeID string

	mailbox chan command
	quit    chan struct{}
	done    chan struct{}

	peers        map[string]*metadata
	unidentified map[string]*unidentifiedPeer
	// connIndex maps a connection id back to the peer id that owns it,
	// so a connmgr.Notification keyed by connection id can find its
	// peer without a linear scan.
	connIndex map[string]string

	subscribers []chan Event

	metrics *metrics.Registry
}

func NewManager(conn connector, refMode RefMode, localNodeID string) *Manager {
	m := &Manager{
		conn:         conn,
		refMode:      refMode,
		localNodeID:  localNodeID,
		mailbox:      make(chan command, 64),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		peers:        make(map[string]*metadata),
		unidentified: make(map[string]*unidentifiedPeer),
		connIndex:    make(map[string]string),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case cmd := <-m.mailbox:
			cmd.execute(m)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) send(cmd command) {
	select {
	case m.mailbox <- cmd:
	case <-m.quit:
		logging.PeerLog.Warnf("peer manager shut down, dropping command %T", cmd)
	}
}

// --- AddPeer -----------------------------------------------------

type addPeerCmd struct {
	id        string
	endpoints []string
	reply     chan addPeerResult
}

type addPeerResult struct {
	ref *PeerRef
	err error
}

// AddPeer implements spec.md §4.1's add_peer(id, endpoints).
func (m *Manager) AddPeer(id string, endpoints []string) (*PeerRef, error) {
	reply := make(chan addPeerResult, 1)
	m.send(&addPeerCmd{id: id, endpoints: endpoints, reply: reply})
	res := <-reply
	return res.ref, res.err
}

func (c *addPeerCmd) execute(m *Manager) {
	existing, ok := m.peers[c.id]
	if ok {
		existing.refCount++
		if existing.refCount > 1 {
			if existing.fromEndpoint && len(existing.endpoints) == 1 {
				existing.endpoints = c.endpoints
				existing.fromEndpoint = false
			} else if !containsActive(c.endpoints, existing.activeEndpoint) {
				existing.refCount--
				c.reply <- addPeerResult{err: errs.InvalidArgument(
					"peer %s: supplied endpoints do not include active endpoint %s", c.id, existing.activeEndpoint)}
				return
			}
		}
		if existing.status == StatusConnected {
			m.publish(Event{Type: EventConnected, PeerID: c.id})
		}
		c.reply <- addPeerResult{ref: newPeerRef(c.id, m)}
		return
	}

	// Promote an existing unreferenced (add_unidentified_peer) entry
	// if one already answers to this id.
	if u, ok := m.unidentified[c.id]; ok {
		delete(m.unidentified, c.id)
		md := newMetadata(c.id, u.connectionID, c.endpoints)
		md.refCount = 1
		md.status = StatusConnected
		md.activeEndpoint = u.endpoint
		m.peers[c.id] = md
		m.connIndex[u.connectionID] = c.id
		c.reply <- addPeerResult{ref: newPeerRef(c.id, m)}
		m.publish(Event{Type: EventConnected, PeerID: c.id})
		return
	}

	connID, err := newConnectionID()
	if err != nil {
		c.reply <- addPeerResult{err: errs.Internal(err, "minting connection id for peer %s", c.id)}
		return
	}
	md := newMetadata(c.id, connID, c.endpoints)
	md.refCount = 1
	m.peers[c.id] = md

	for _, ep := range c.endpoints {
		if m.metrics != nil {
			m.metrics.PeerConnectAttempts.Inc()
		}
		if err := m.conn.RequestConnection(ep, connID); err == nil {
			md.activeEndpoint = ep
			md.connectionID = connID
			m.connIndex[connID] = c.id
			break
		}
		if m.metrics != nil {
			m.metrics.PeerConnectFailures.Inc()
		}
	}
	md.lastAttempt = now()

	c.reply <- addPeerResult{ref: newPeerRef(c.id, m)}
}

func containsActive(endpoints []string, active string) bool {
	if active == "" {
		return true
	}
	for _, e := range endpoints {
		if e == active {
			return true
		}
	}
	return false
}

// --- AddUnidentifiedPeer ------------------------------------------

type addUnidentifiedCmd struct {
	endpoint string
	reply    chan addUnidentifiedResult
}

type addUnidentifiedResult struct {
	ref *EndpointPeerRef
	err error
}

// AddUnidentifiedPeer implements spec.md §4.1's add_unidentified_peer.
func (m *Manager) AddUnidentifiedPeer(endpoint string) (*EndpointPeerRef, error) {
	reply := make(chan addUnidentifiedResult, 1)
	m.send(&addUnidentifiedCmd{endpoint: endpoint, reply: reply})
	res := <-reply
	return res.ref, res.err
}

func (c *addUnidentifiedCmd) execute(m *Manager) {
	if u, ok := m.unidentified[c.endpoint]; ok {
		u.refCount++
		c.reply <- addUnidentifiedResult{ref: newEndpointPeerRef(c.endpoint, m)}
		return
	}

	connID, err := newConnectionID()
	if err != nil {
		c.reply <- addUnidentifiedResult{err: errs.Internal(err, "minting connection id for endpoint %s", c.endpoint)}
		return
	}
	if err := m.conn.RequestConnection(c.endpoint, connID); err != nil {
		c.reply <- addUnidentifiedResult{err: errs.Unavailable("connecting to %s: %v", c.endpoint, err)}
		return
	}
	m.unidentified[c.endpoint] = &unidentifiedPeer{
		endpoint:     c.endpoint,
		connectionID: connID,
		refCount:     1,
		lastAttempt:  now(),
	}
	m.connIndex[connID] = c.endpoint
	c.reply <- addUnidentifiedResult{ref: newEndpointPeerRef(c.endpoint, m)}
}

// --- decrement-ref (posted by PeerRef/EndpointPeerRef finalizers) --

type decrementRefCmd struct{ id string }

func (m *Manager) decrementRef(id string) { m.send(&decrementRefCmd{id: id}) }

func (c *decrementRefCmd) execute(m *Manager) {
	md, ok := m.peers[c.id]
	if !ok {
		m.unknownRef(c.id)
		return
	}
	md.refCount--
	if md.refCount <= 0 {
		delete(m.peers, c.id)
		delete(m.connIndex, md.connectionID)
		m.conn.RemoveConnection(md.connectionID)
	}
}

type decrementEndpointRefCmd struct{ endpoint string }

func (m *Manager) decrementEndpointRef(endpoint string) { m.send(&decrementEndpointRefCmd{endpoint: endpoint}) }

func (c *decrementEndpointRefCmd) execute(m *Manager) {
	u, ok := m.unidentified[c.endpoint]
	if !ok {
		m.unknownRef(c.endpoint)
		return
	}
	u.refCount--
	if u.refCount <= 0 {
		delete(m.unidentified, c.endpoint)
		delete(m.connIndex, u.connectionID)
		m.conn.RemoveConnection(u.connectionID)
	}
}

func (m *Manager) unknownRef(id string) {
	if m.refMode == RefModeStrict {
		panic(fmt.Sprintf("peer manager: decrement-ref for unknown peer %q", id))
	}
	logging.PeerLog.Warnf("decrement-ref for unknown peer %q ignored (loose mode)", id)
}

// --- RemovePeer / RemovePeerByEndpoint ------------------------------

type removePeerCmd struct {
	id    string
	reply chan error
}

// RemovePeer forcibly removes a peer regardless of its ref count.
// Idempotent: removing an already-removed peer is a no-op in loose
// mode (Testable Property 6).
func (m *Manager) RemovePeer(id string) error {
	reply := make(chan error, 1)
	m.send(&removePeerCmd{id: id, reply: reply})
	return <-reply
}

func (c *removePeerCmd) execute(m *Manager) {
	md, ok := m.peers[c.id]
	if !ok {
		if m.refMode == RefModeStrict {
			c.reply <- errs.NotFound("peer %s", c.id)
			return
		}
		c.reply <- nil
		return
	}
	delete(m.peers, c.id)
	delete(m.connIndex, md.connectionID)
	m.conn.RemoveConnection(md.connectionID)
	c.reply <- nil
}

type removeByEndpointCmd struct {
	endpoint string
	reply    chan error
}

func (m *Manager) RemovePeerByEndpoint(endpoint string) error {
	reply := make(chan error, 1)
	m.send(&removeByEndpointCmd{endpoint: endpoint, reply: reply})
	return <-reply
}

func (c *removeByEndpointCmd) execute(m *Manager) {
	for id, md := range m.peers {
		if md.activeEndpoint == c.endpoint {
			delete(m.peers, id)
			delete(m.connIndex, md.connectionID)
			m.conn.RemoveConnection(md.connectionID)
			c.reply <- nil
			return
		}
	}
	if u, ok := m.unidentified[c.endpoint]; ok {
		delete(m.unidentified, c.endpoint)
		delete(m.connIndex, u.connectionID)
		m.conn.RemoveConnection(u.connectionID)
	}
	c.reply <- nil
}

// --- Read-only queries ----------------------------------------------

type listPeersCmd struct{ reply chan []string }

func (m *Manager) ListPeers() []string {
	reply := make(chan []string, 1)
	m.send(&listPeersCmd{reply: reply})
	return <-reply
}

func (c *listPeersCmd) execute(m *Manager) {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.reply <- ids
}

type listUnreferencedCmd struct{ reply chan []string }

// ListUnreferencedPeers returns endpoints registered via
// AddUnidentifiedPeer whose identity has not yet resolved.
func (m *Manager) ListUnreferencedPeers() []string {
	reply := make(chan []string, 1)
	m.send(&listUnreferencedCmd{reply: reply})
	return <-reply
}

func (c *listUnreferencedCmd) execute(m *Manager) {
	eps := make([]string, 0, len(m.unidentified))
	for ep := range m.unidentified {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	c.reply <- eps
}

type connectionIDsCmd struct{ reply chan map[string]string }

// ConnectionIds returns a snapshot of peer id -> connection id.
func (m *Manager) ConnectionIds() map[string]string {
	reply := make(chan map[string]string, 1)
	m.send(&connectionIDsCmd{reply: reply})
	return <-reply
}

func (c *connectionIDsCmd) execute(m *Manager) {
	out := make(map[string]string, len(m.peers))
	for id, md := range m.peers {
		out[id] = md.connectionID
	}
	c.reply <- out
}

type getConnectionIDCmd struct {
	id    string
	reply chan string
}

func (m *Manager) GetConnectionId(id string) (string, bool) {
	reply := make(chan string, 1)
	m.send(&getConnectionIDCmd{id: id, reply: reply})
	v := <-reply
	return v, v != ""
}

func (c *getConnectionIDCmd) execute(m *Manager) {
	if md, ok := m.peers[c.id]; ok {
		c.reply <- md.connectionID
		return
	}
	c.reply <- ""
}

type getPeerIDCmd struct {
	connectionID string
	reply        chan string
}

func (m *Manager) GetPeerId(connectionID string) (string, bool) {
	reply := make(chan string, 1)
	m.send(&getPeerIDCmd{connectionID: connectionID, reply: reply})
	v := <-reply
	return v, v != ""
}

func (c *getPeerIDCmd) execute(m *Manager) {
	c.reply <- m.connIndex[c.connectionID]
}

// --- Subscribe -------------------------------------------------------

type subscribeCmd struct{ reply chan chan Event }

func (m *Manager) Subscribe() <-chan Event {
	reply := make(chan chan Event, 1)
	m.send(&subscribeCmd{reply: reply})
	return <-reply
}

func (c *subscribeCmd) execute(m *Manager) {
	ch := make(chan Event, 64)
	m.subscribers = append(m.subscribers, ch)
	c.reply <- ch
}

func (m *Manager) publish(ev Event) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			logging.PeerLog.Warnf("peer manager subscriber full, dropping %+v", ev)
		}
	}
}

// --- Notification (from the connection manager) ---------------------

type notificationCmd struct{ n connmgr.Notification }

// Notify feeds a connmgr.Notification into the peer manager's mailbox.
// Callers should subscribe to connmgr and forward every notification
// here.
func (m *Manager) Notify(n connmgr.Notification) { m.send(&notificationCmd{n: n}) }

func (c *notificationCmd) execute(m *Manager) {
	switch c.n.Type {
	case connmgr.NotifyConnected, connmgr.NotifyInboundConnection:
		m.handleConnected(c.n)
	case connmgr.NotifyDisconnected:
		m.handleDisconnected(c.n)
	case connmgr.NotifyFatalConnectionError:
		m.handleFatal(c.n)
	case connmgr.NotifyNonFatalConnectionError:
		m.handleNonFatal(c.n)
	}
	m.reportConnectedGauge()
}

func (m *Manager) handleConnected(n connmgr.Notification) {
	var peerID string
	if n.Identity != nil {
		peerID = n.Identity.String()
	}

	// Resolve an unidentified peer first.
	if u, ok := m.findUnidentifiedByConn(n.ConnectionID); ok && peerID != "" {
		delete(m.unidentified, u.endpoint)
		if existing, ok := m.peers[peerID]; ok {
			existing.refCount += u.refCount
		} else {
			md := newMetadata(peerID, n.ConnectionID, []string{u.endpoint})
			md.refCount = u.refCount
			md.status = StatusConnected
			md.activeEndpoint = u.endpoint
			md.fromEndpoint = true
			m.peers[peerID] = md
		}
		m.connIndex[n.ConnectionID] = peerID
		m.publish(Event{Type: EventConnected, PeerID: peerID})
		return
	}

	id, known := m.lookupKnownPeerID(peerID, n.ConnectionID)
	if !known {
		return
	}
	md, ok := m.peers[id]
	if !ok {
		return
	}

	if peerID != "" && peerID != id {
		// Identity mismatch: tear down both sides, go Pending. Checked
		// unconditionally on status, not just StatusConnected, since a
		// still-Pending peer (e.g. one add_peer pre-allocated) can be
		// the one whose connection authorizes as the wrong identity.
		m.conn.RemoveConnection(n.ConnectionID)
		if md.connectionID != "" && md.connectionID != n.ConnectionID {
			m.conn.RemoveConnection(md.connectionID)
		}
		md.status = StatusPending
		m.publish(Event{Type: EventDisconnected, PeerID: id})
		return
	}

	if md.status == StatusConnected && md.connectionID != n.ConnectionID {
		// Duplicate-connection resolution: the side whose local node id
		// is greater keeps its outbound connection, per spec.md §4.1 and
		// original_source's handle_connected (local_identity > identity)
		// and handle_inbound_connection (local_identity < identity) — two
		// comparisons, mirrored, because each fires on the opposite end
		// of the same race. n.Type tells us which end this particular
		// notification is: our own outbound completing, or a remote's
		// inbound landing on us.
		var keepNew bool
		if n.Type == connmgr.NotifyInboundConnection {
			keepNew = m.localNodeID < id
		} else {
			keepNew = m.localNodeID > id
		}
		if !keepNew {
			m.conn.RemoveConnection(n.ConnectionID)
			return
		}
		m.conn.RemoveConnection(md.connectionID)
	}

	delete(m.connIndex, md.connectionID)
	md.connectionID = n.ConnectionID
	md.activeEndpoint = n.Endpoint
	md.status = StatusConnected
	md.retryAttempts = 0
	md.retryFrequency = defaultRetryFrequency
	m.connIndex[n.ConnectionID] = id
	m.publish(Event{Type: EventConnected, PeerID: id})
}

func (m *Manager) findUnidentifiedByConn(connectionID string) (*unidentifiedPeer, bool) {
	for _, u := range m.unidentified {
		if u.connectionID == connectionID {
			return u, true
		}
	}
	return nil, false
}

func (m *Manager) lookupKnownPeerID(peerID, connectionID string) (string, bool) {
	if peerID != "" {
		if _, ok := m.peers[peerID]; ok {
			return peerID, true
		}
	}
	if id, ok := m.connIndex[connectionID]; ok {
		return id, true
	}
	return "", false
}

func (m *Manager) handleDisconnected(n connmgr.Notification) {
	id, ok := m.connIndex[n.ConnectionID]
	if !ok {
		return
	}
	md, ok := m.peers[id]
	if !ok {
		return
	}

	if n.Endpoint != "" && n.Endpoint == md.activeEndpoint && containsActive(md.endpoints, n.Endpoint) {
		md.status = StatusDisconnected
		md.retryAttempts = 1
		md.lastAttempt = now()
		m.publish(Event{Type: EventDisconnected, PeerID: id})
		return
	}

	// An inbound connection went down: go Pending and immediately
	// attempt outbound reconnection.
	md.status = StatusPending
	for _, ep := range md.endpoints {
		if err := m.conn.RequestConnection(ep, md.connectionID); err == nil {
			md.activeEndpoint = ep
			break
		}
	}
	md.lastAttempt = now()
	m.publish(Event{Type: EventDisconnected, PeerID: id})
}

func (m *Manager) handleFatal(n connmgr.Notification) {
	id, ok := m.connIndex[n.ConnectionID]
	if !ok {
		return
	}
	md, ok := m.peers[id]
	if !ok {
		return
	}
	md.status = StatusPending
	md.retryFrequency = clampFrequency(md.retryFrequency*2, maxRetryFrequency)
	md.lastAttempt = now()
	m.publish(Event{Type: EventDisconnected, PeerID: id})
}

func (m *Manager) handleNonFatal(n connmgr.Notification) {
	id, ok := m.connIndex[n.ConnectionID]
	if !ok {
		return
	}
	md, ok := m.peers[id]
	if !ok || md.activeEndpoint != n.Endpoint || n.Attempts < maxRetryAttempts {
		return
	}

	for _, ep := range md.endpoints {
		if ep == md.activeEndpoint {
			continue
		}
		if err := m.conn.RequestConnection(ep, md.connectionID); err == nil {
			md.activeEndpoint = ep
			break
		}
	}
	md.status = StatusDisconnected
	md.retryAttempts = n.Attempts
}

// --- RetryPending ------------------------------------------------------

type retryPendingCmd struct{}

// RetryPending is posted by a timer.Pacemaker every retry_interval
// (default 10s).
func (m *Manager) RetryPending() { m.send(&retryPendingCmd{}) }

type setMetricsCmd struct {
	reg *metrics.Registry
}

// SetMetrics attaches reg for this Manager to report connected-peer
// counts through. Optional: a Manager with no Registry attached simply
// skips every metrics update.
func (m *Manager) SetMetrics(reg *metrics.Registry) { m.send(&setMetricsCmd{reg: reg}) }

func (c *setMetricsCmd) execute(m *Manager) { m.metrics = c.reg }

func (m *Manager) connectedCount() int {
	n := 0
	for _, md := range m.peers {
		if md.status == StatusConnected {
			n++
		}
	}
	return n
}

func (m *Manager) reportConnectedGauge() {
	if m.metrics != nil {
		m.metrics.PeersConnected.Set(float64(m.connectedCount()))
	}
}

func (c *retryPendingCmd) execute(m *Manager) {
	nowTime := now()
	for id, md := range m.peers {
		if md.status != StatusPending && md.status != StatusDisconnected {
			continue
		}
		if nowTime.Sub(md.lastAttempt) < md.retryFrequency {
			continue
		}
		md.lastAttempt = nowTime
		connected := false
		for _, ep := range md.endpoints {
			if err := m.conn.RequestConnection(ep, md.connectionID); err == nil {
				md.activeEndpoint = ep
				connected = true
				break
			}
		}
		if !connected {
			md.retryFrequency = clampFrequency(md.retryFrequency*2, maxRetryFrequency)
		}
		_ = id
	}

	for ep, u := range m.unidentified {
		if nowTime.Sub(u.lastAttempt) < requestedEndpointsRetryFrequency {
			continue
		}
		u.lastAttempt = nowTime
		if err := m.conn.RequestConnection(ep, u.connectionID); err != nil {
			logging.PeerLog.Debugf("retry of unidentified peer %s failed: %v", ep, err)
		}
	}
}

// --- Shutdown ------------------------------------------------------

// Shutdown stops the peer manager actor. Idempotent (Testable Property
// 6): a second call observes the already-closed quit channel and
// returns immediately instead of panicking on a double close.
func (m *Manager) Shutdown() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	<-m.done
}

func clampFrequency(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
