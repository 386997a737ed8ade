// Package servicehost defines the contract an application service
// implements to exchange traffic over a circuit, plus a Router that
// wires that contract onto the circuit message family of
// internal/wireproto. Its own logic is deliberately opaque to this
// package -- servicehost/echo is the only concrete implementation, a
// test double exercising the routing table's get_service path the way
// htlcswitch/mock.go's mockHopNetwork stands in for a real link
// without htlcswitch itself knowing anything about payment semantics.
package servicehost

import (
	"sync"

	"github.com/circuitmesh/circuitd/internal/dispatch"
	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/mesh"
	"github.com/circuitmesh/circuitd/internal/routing"
	"github.com/circuitmesh/circuitd/internal/wireproto"
)

// InboundMessage is one piece of application traffic addressed to a
// locally hosted service.
type InboundMessage struct {
	CircuitID string
	ServiceID string // the local service this message is addressed to
	SenderID  string // the remote service it came from
	Payload   []byte
}

// Host is the contract a hosted application service implements.
// Inject hands the service one inbound message; the service's reply
// traffic, if any, goes back out through the Sender the Router handed
// it at registration.
type Host interface {
	Inject(msg InboundMessage) error
}

// Sender lets a registered Host push outbound application traffic
// back onto a circuit without knowing anything about connections or
// the wire format.
type Sender interface {
	Send(circuitID, fromServiceID, toServiceID string, payload []byte) error
}

type connections interface {
	GetConnectionId(nodeID string) (string, bool)
}

// Router implements Sender and registers the circuit-direct and
// service-connect/disconnect handlers on a Dispatcher, resolving
// recipients through a routing.Table the way the admin service's
// broadcasts resolve coordinators through the registry.
type Router struct {
	table *routing.Table
	peers connections
	mesh  *mesh.Mesh

	mu    sync.RWMutex
	hosts map[string]Host // service_id -> Host
}

// NewRouter constructs a Router over table, resolving remote
// recipients' connections through peers and sending via m.
func NewRouter(table *routing.Table, peers connections, m *mesh.Mesh) *Router {
	return &Router{
		table: table,
		peers: peers,
		mesh:  m,
		hosts: make(map[string]Host),
	}
}

// Register binds serviceID to host for inbound delivery. A service
// must be registered before any CircuitDirectMessageMsg addressed to
// it can be injected.
func (r *Router) Register(serviceID string, host Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[serviceID] = host
}

// Unregister removes serviceID's Host, if any.
func (r *Router) Unregister(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, serviceID)
}

func (r *Router) hostFor(serviceID string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[serviceID]
	return h, ok
}

// Send implements Sender. It resolves toServiceID's hosting node via
// the routing table, then that node's connection via the peer
// connection table, and frames the payload as a
// CircuitDirectMessageMsg.
func (r *Router) Send(circuitID, fromServiceID, toServiceID string, payload []byte) error {
	nodeID, err := r.table.GetService(circuitID, toServiceID)
	if err != nil {
		return err
	}
	connID, ok := r.peers.GetConnectionId(nodeID)
	if !ok {
		return errs.Unavailable("servicehost: no open connection to node %s", nodeID)
	}

	msg := &wireproto.CircuitDirectMessageMsg{
		CircuitID:   circuitID,
		RecipientID: toServiceID,
		SenderID:    fromServiceID,
		Payload:     payload,
	}
	circuitPayload, err := wireproto.EncodeCircuitMessage(wireproto.CircuitDirectMessageType, msg)
	if err != nil {
		return errs.Internal(err, "servicehost: encoding direct message")
	}
	envelope := &wireproto.NetworkMessage{Type: wireproto.TypeCircuit, Payload: circuitPayload}
	frame, err := envelope.Encode()
	if err != nil {
		return errs.Internal(err, "servicehost: encoding network message")
	}
	return r.mesh.Send(connID, frame)
}

// RegisterHandlers binds the application-traffic and
// connect/disconnect-bookkeeping tags on d. A ServiceConnectRequest
// is accepted iff the requested service is currently registered on
// this Router; disconnects simply acknowledge, since a Router's
// Register/Unregister already governs delivery.
func (r *Router) RegisterHandlers(d *dispatch.Dispatcher) {
	d.RegisterHandler(int(wireproto.CircuitDirectMessageType), r.handleDirectMessage)
	d.RegisterHandler(int(wireproto.ServiceConnectRequestType), r.handleConnectRequest)
	d.RegisterHandler(int(wireproto.ServiceDisconnectRequestType), r.handleDisconnectRequest)
	d.RegisterHandler(int(wireproto.CircuitErrorType), r.handleCircuitError)
}

func (r *Router) handleDirectMessage(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
	m, ok := msg.(*wireproto.CircuitDirectMessageMsg)
	if !ok {
		return errs.Internal(nil, "servicehost: unexpected message type for CircuitDirectMessageType")
	}

	host, ok := r.hostFor(m.RecipientID)
	if !ok {
		logging.ServiceHostLog.Warnf("direct message for unregistered service %s on circuit %s from %s", m.RecipientID, m.CircuitID, connectionID)
		return r.replyCircuitError(sender, m.CircuitID, 404, "service not registered")
	}
	return host.Inject(InboundMessage{
		CircuitID: m.CircuitID,
		ServiceID: m.RecipientID,
		SenderID:  m.SenderID,
		Payload:   m.Payload,
	})
}

func (r *Router) handleConnectRequest(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
	m, ok := msg.(*wireproto.ServiceConnectRequestMsg)
	if !ok {
		return errs.Internal(nil, "servicehost: unexpected message type for ServiceConnectRequestType")
	}
	_, accepted := r.hostFor(m.ServiceID)
	resp := &wireproto.ServiceConnectResponseMsg{CircuitID: m.CircuitID, ServiceID: m.ServiceID, Accepted: accepted}
	return r.sendResponse(sender, wireproto.ServiceConnectResponseType, resp)
}

func (r *Router) handleDisconnectRequest(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
	m, ok := msg.(*wireproto.ServiceDisconnectRequestMsg)
	if !ok {
		return errs.Internal(nil, "servicehost: unexpected message type for ServiceDisconnectRequestType")
	}
	resp := &wireproto.ServiceDisconnectResponseMsg{CircuitID: m.CircuitID, ServiceID: m.ServiceID}
	return r.sendResponse(sender, wireproto.ServiceDisconnectResponseType, resp)
}

func (r *Router) handleCircuitError(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
	m, ok := msg.(*wireproto.CircuitErrorMsg)
	if !ok {
		return errs.Internal(nil, "servicehost: unexpected message type for CircuitErrorType")
	}
	logging.ServiceHostLog.Warnf("circuit error from %s on circuit %s: %d %s", connectionID, m.CircuitID, m.Code, m.Message)
	return nil
}

func (r *Router) sendResponse(sender dispatch.MessageSender, t wireproto.CircuitMessageType, msg wireproto.Codec) error {
	circuitPayload, err := wireproto.EncodeCircuitMessage(t, msg)
	if err != nil {
		return errs.Internal(err, "servicehost: encoding response")
	}
	envelope := &wireproto.NetworkMessage{Type: wireproto.TypeCircuit, Payload: circuitPayload}
	frame, err := envelope.Encode()
	if err != nil {
		return errs.Internal(err, "servicehost: encoding network message")
	}
	return sender.Send(frame)
}

func (r *Router) replyCircuitError(sender dispatch.MessageSender, circuitID string, code uint16, message string) error {
	return r.sendResponse(sender, wireproto.CircuitErrorType, &wireproto.CircuitErrorMsg{
		CircuitID: circuitID,
		Code:      code,
		Message:   message,
	})
}

// DecodeFunc adapts wireproto.DecodeCircuitMessage to dispatch's
// DecodeFunc shape, for the circuit message family's Dispatcher. The
// circuit Dispatcher is shared with internal/adminwire: both packages
// register disjoint tag sets on the same instance, per spec.md §4.5's
// "one dispatcher per logical message family".
func DecodeFunc(payload []byte) (int, wireproto.Codec, error) {
	t, msg, err := wireproto.DecodeCircuitMessage(payload)
	return int(t), msg, err
}
