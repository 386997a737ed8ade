// Package admin implements the Admin Service & Two-Phase-Commit engine
// of spec.md §4.3: each node runs one admin service accepting signed
// CircuitManagementPayloads and driving a two-phase-commit agreement
// over proposed circuits among the circuit's members. Grounded in
// original_source's admin/service/consensus/mod.rs, translated from
// Rust's channel-based ProposalManager/ConsensusNetworkSender split
// running on its own OS thread into a single Go mailbox goroutine.
package admin

// ProposalType enumerates the kind of change a proposal makes to a
// circuit, per spec.md §3.
type ProposalType int

const (
	ProposalCreate ProposalType = iota
	ProposalUpdateRoster
	ProposalAddNode
	ProposalRemoveNode
	ProposalDestroy
)

// AuthorizationType names the connection authorization scheme a
// circuit's members agreed to use with one another.
type AuthorizationType int

const (
	AuthorizationTrust AuthorizationType = iota
	AuthorizationChallenge
)

// KeyValue is one ordered (key, value) argument pair, per spec.md §3's
// "arguments: ordered sequence of (key,value)".
type KeyValue struct {
	Key   string
	Value string
}

// ProposedService describes one service within a proposed circuit.
type ProposedService struct {
	ServiceID   string
	ServiceType string
	NodeID      string
	Arguments   []KeyValue
}

// ProposedNode is one member of a proposed circuit.
type ProposedNode struct {
	NodeID    string
	Endpoints []string
}

// ProposedCircuit is the circuit shape carried inside a proposal,
// verbatim per spec.md §3.
type ProposedCircuit struct {
	CircuitID           string
	Roster              []ProposedService
	Members             []ProposedNode
	AuthorizationType   AuthorizationType
	ManagementType      string
	ApplicationMetadata []byte
	Comments            string
}

// VoteValue is a member's decision on a proposal.
type VoteValue int

const (
	VoteAccept VoteValue = iota
	VoteReject
)

// VoteRecord is one member's recorded vote.
type VoteRecord struct {
	PublicKey   []byte
	Vote        VoteValue
	VoterNodeID string
}

// CircuitProposal is the full ephemeral proposal record, per spec.md
// §3's `proposal` type.
type CircuitProposal struct {
	ProposalType    ProposalType
	ProposalID      string // SHA-256(payload_bytes), per spec.md §4.3 step 2
	CircuitHash     []byte
	Circuit         ProposedCircuit
	Votes           []VoteRecord
	Requester       []byte
	RequesterNodeID string
}

// CircuitStatus is the lifecycle state of a committed circuit.
type CircuitStatus int

const (
	CircuitActive CircuitStatus = iota
	CircuitDisbanded
	CircuitAbandoned
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitActive:
		return "Active"
	case CircuitDisbanded:
		return "Disbanded"
	case CircuitAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

// CircuitService is one committed service instance.
type CircuitService struct {
	ServiceID   string
	ServiceType string
	NodeID      string
	Arguments   []KeyValue
}

// Circuit is the committed form of a ProposedCircuit: same shape minus
// ApplicationMetadata and Comments (spec.md §3), plus a Status.
type Circuit struct {
	CircuitID         string
	Roster            []CircuitService
	Members           []ProposedNode
	AuthorizationType AuthorizationType
	ManagementType    string
	Status            CircuitStatus
}

// ActionType tags which action a CircuitManagementPayload carries.
type ActionType int

const (
	ActionCircuitCreateRequest ActionType = iota
	ActionCircuitProposalVote
	ActionCircuitDisbandRequest
	ActionCircuitPurgeRequest
	ActionCircuitAbandon
)

// PayloadHeader is the signed envelope header of spec.md §4.3.
type PayloadHeader struct {
	Action          ActionType
	PayloadSHA512   []byte
	Requester       []byte // requester's public key
	RequesterNodeID string
}

// CircuitManagementPayload is the signed envelope every submit_payload
// call receives. Exactly one of CreateRequest/Vote is populated
// depending on Header.Action; DisbandRequest/PurgeRequest/Abandon carry
// no further fields beyond CircuitID.
type CircuitManagementPayload struct {
	Header        PayloadHeader
	HeaderBytes   []byte // canonical encoding of Header, what Signature covers
	Signature     []byte
	CircuitID     string // the circuit this action targets, needed before the action payload is parsed for some actions
	CreateRequest *ProposedCircuit
	Vote          *VoteRecord
}

func circuitFromProposed(p ProposedCircuit) Circuit {
	roster := make([]CircuitService, len(p.Roster))
	for i, s := range p.Roster {
		roster[i] = CircuitService{ServiceID: s.ServiceID, ServiceType: s.ServiceType, NodeID: s.NodeID, Arguments: s.Arguments}
	}
	return Circuit{
		CircuitID:         p.CircuitID,
		Roster:            roster,
		Members:           p.Members,
		AuthorizationType: p.AuthorizationType,
		ManagementType:    p.ManagementType,
		Status:            CircuitActive,
	}
}

// proposedFromCircuit is circuitFromProposed's inverse, used when a
// Disband action re-proposes an already-committed circuit.
func proposedFromCircuit(c Circuit) ProposedCircuit {
	roster := make([]ProposedService, len(c.Roster))
	for i, s := range c.Roster {
		roster[i] = ProposedService{ServiceID: s.ServiceID, ServiceType: s.ServiceType, NodeID: s.NodeID, Arguments: s.Arguments}
	}
	return ProposedCircuit{
		CircuitID:         c.CircuitID,
		Roster:            roster,
		Members:           c.Members,
		AuthorizationType: c.AuthorizationType,
		ManagementType:    c.ManagementType,
	}
}

func memberNodeIDs(members []ProposedNode) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.NodeID
	}
	return ids
}
