// Package adminwire adapts internal/admin's Service/NetworkSender pair
// onto the mesh/dispatch/peer stack. The admin package is deliberately
// ignorant of wireproto -- its two-phase-commit engine speaks only in
// raw, self-tagged byte frames -- so this package is where that engine
// meets the CIRCUIT message family described in spec.md §6, the same
// role htlcswitch/switch.go plays between the wire and the payment
// engine in the teacher.
package adminwire

import (
	"strings"

	"github.com/circuitmesh/circuitd/internal/admin"
	"github.com/circuitmesh/circuitd/internal/dispatch"
	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/mesh"
	"github.com/circuitmesh/circuitd/internal/wireproto"
)

// connections resolves a node id to its currently open connection,
// narrowed from *peer.Manager (internal/peer) so tests can supply a
// fake without wiring a whole peer/connection stack.
type connections interface {
	GetConnectionId(nodeID string) (string, bool)
}

// Sender implements admin.NetworkSender over an already-authorized
// mesh connection to each peer, per spec.md §4.3's requirement that
// admin-service traffic ride the same authenticated channel as every
// other message family rather than opening one of its own.
type Sender struct {
	peers connections
	mesh  *mesh.Mesh
}

func NewSender(peers connections, m *mesh.Mesh) *Sender {
	return &Sender{peers: peers, mesh: m}
}

func nodeIDFromAdminServiceID(adminServiceID string) string {
	return strings.TrimPrefix(adminServiceID, "admin::")
}

// SendTo implements admin.NetworkSender. payload already carries
// admin's own wireKind tag (wrapWire); SendTo strips it to choose a
// matching outer CircuitMessageType, then frames the untagged body in
// a NetworkMessage the receiving connection's dispatcher decodes with
// DecodeCircuitMessage.
func (s *Sender) SendTo(adminServiceID string, payload []byte) error {
	nodeID := nodeIDFromAdminServiceID(adminServiceID)
	connID, ok := s.peers.GetConnectionId(nodeID)
	if !ok {
		return errs.Unavailable("adminwire: no open connection to node %s", nodeID)
	}

	kind, body, err := admin.SplitWireFrame(payload)
	if err != nil {
		return err
	}

	var circuitType wireproto.CircuitMessageType
	var msg wireproto.Codec
	switch kind {
	case admin.WireKindProposed:
		circuitType = wireproto.ProposedCircuitType
		msg = &wireproto.ProposedCircuitMsg{PayloadBytes: body}
	case admin.WireKindConsensus:
		// ConsensusMessageMsg.CircuitID is left empty here: the body is
		// admin's own JSON-encoded envelope, which already carries the
		// circuit id, and DeliverConsensusMessage decodes it directly
		// rather than trusting a second, separately-framed copy.
		circuitType = wireproto.ConsensusMessageType
		msg = &wireproto.ConsensusMessageMsg{PayloadBytes: body}
	case admin.WireKindSubmit:
		circuitType = wireproto.AdminDirectMessageType
		msg = &wireproto.AdminDirectMessageMsg{PayloadBytes: body}
	default:
		return errs.Internal(nil, "adminwire: unrecognized admin wire kind %d", kind)
	}

	circuitPayload, err := wireproto.EncodeCircuitMessage(circuitType, msg)
	if err != nil {
		return errs.Internal(err, "adminwire: encoding circuit message for %s", adminServiceID)
	}
	envelope := &wireproto.NetworkMessage{Type: wireproto.TypeCircuit, Payload: circuitPayload}
	frame, err := envelope.Encode()
	if err != nil {
		return errs.Internal(err, "adminwire: encoding network message for %s", adminServiceID)
	}
	return s.mesh.Send(connID, frame)
}

// RegisterHandlers binds the admin-relevant CircuitMessageType tags on
// d to svc, so every ProposedCircuitMsg/ConsensusMessageMsg/
// AdminDirectMessageMsg the dispatcher decodes reaches the two-phase-
// commit engine. CircuitDirectMessageType and the ServiceConnect*
// types are registered by internal/servicehost instead: they carry
// application traffic and connection bookkeeping the admin service has
// no part in.
func RegisterHandlers(d *dispatch.Dispatcher, svc *admin.Service) {
	d.RegisterHandler(int(wireproto.ProposedCircuitType), func(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
		m, ok := msg.(*wireproto.ProposedCircuitMsg)
		if !ok {
			return errs.Internal(nil, "adminwire: unexpected message type for ProposedCircuitType")
		}
		if err := svc.DeliverProposedCircuit(m.PayloadBytes); err != nil {
			logging.AdminLog.Warnf("delivering proposed circuit from %s: %v", connectionID, err)
			return err
		}
		return nil
	})
	d.RegisterHandler(int(wireproto.ConsensusMessageType), func(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
		m, ok := msg.(*wireproto.ConsensusMessageMsg)
		if !ok {
			return errs.Internal(nil, "adminwire: unexpected message type for ConsensusMessageType")
		}
		if err := svc.DeliverConsensusMessage(m.PayloadBytes); err != nil {
			logging.AdminLog.Warnf("delivering consensus message from %s: %v", connectionID, err)
			return err
		}
		return nil
	})
	d.RegisterHandler(int(wireproto.AdminDirectMessageType), func(connectionID string, msg wireproto.Codec, sender dispatch.MessageSender) error {
		m, ok := msg.(*wireproto.AdminDirectMessageMsg)
		if !ok {
			return errs.Internal(nil, "adminwire: unexpected message type for AdminDirectMessageType")
		}
		if err := svc.DeliverAdminDirect(m.PayloadBytes); err != nil {
			logging.AdminLog.Warnf("delivering forwarded admin payload from %s: %v", connectionID, err)
			return err
		}
		return nil
	})
}

// DecodeFunc adapts wireproto.DecodeCircuitMessage to dispatch's
// DecodeFunc shape for the circuit message family's Dispatcher.
func DecodeFunc(payload []byte) (int, wireproto.Codec, error) {
	t, msg, err := wireproto.DecodeCircuitMessage(payload)
	return int(t), msg, err
}
