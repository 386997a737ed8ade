package admin

import (
	"encoding/json"

	"github.com/circuitmesh/circuitd/internal/errs"
)

// Wire encoding for admin payloads and consensus messages rides on
// encoding/json, the same canonicalization already used for
// CircuitHash/ProposalID: every field here is either a fixed struct or
// an ordered slice, so json.Marshal is deterministic, and the outer
// framing (ProposedCircuitMsg/ConsensusMessageMsg) already treats the
// body as an opaque blob.

// ActionBytes returns the serialized action portion of payload --
// exactly what header.payload_sha512 is computed over -- per spec.md
// §4.3's payload envelope.
func ActionBytes(payload *CircuitManagementPayload) ([]byte, error) {
	var v interface{}
	switch payload.Header.Action {
	case ActionCircuitCreateRequest:
		v = payload.CreateRequest
	case ActionCircuitProposalVote:
		v = payload.Vote
	default:
		v = payload.CircuitID
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Internal(err, "serializing action for payload on circuit %s", payload.CircuitID)
	}
	return b, nil
}

// EncodePayload serializes payload for transport/storage.
func EncodePayload(payload *CircuitManagementPayload) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Internal(err, "encoding circuit management payload")
	}
	return b, nil
}

// DecodePayload parses raw bytes produced by EncodePayload.
func DecodePayload(raw []byte) (*CircuitManagementPayload, error) {
	var payload CircuitManagementPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.InvalidArgument("payload: malformed circuit management payload: %v", err)
	}
	return &payload, nil
}

// consensusKind tags what a ConsensusMessageMsg body carries between
// admin services.
type consensusKind int

const (
	consensusCommit consensusKind = iota
	consensusAbort
	consensusAbandoned
)

// consensusEnvelope is the JSON body placed in
// wireproto.ConsensusMessageMsg.PayloadBytes. Votes themselves travel
// as a plain CircuitManagementPayload via wireKindSubmit -- a vote is
// just another signed action the coordinator runs through
// dispatchPayload -- so this envelope only carries the coordinator's
// outcome broadcasts.
type consensusEnvelope struct {
	Kind       consensusKind
	CircuitID  string
	ProposalID string
	CircuitRaw []byte // present when Kind == consensusCommit: the final Circuit, JSON-encoded
}

func encodeConsensusEnvelope(env consensusEnvelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Internal(err, "encoding consensus envelope")
	}
	return b, nil
}

func decodeConsensusEnvelope(raw []byte) (*consensusEnvelope, error) {
	var env consensusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.InvalidArgument("consensus message: malformed envelope: %v", err)
	}
	return &env, nil
}

// wireKind tags the network-origin messages a Service.Deliver call can
// receive, so a single inbound entry point can route to the right
// internal handler without the transport layer needing to understand
// admin-service semantics. The mesh/dispatch wiring that owns an
// admin service's NetworkSender decodes only this one byte; CLI/REST
// submissions go through SubmitPayload directly and never carry it.
type wireKind uint8

const (
	wireKindSubmit wireKind = iota
	wireKindProposed
	wireKindConsensus
)

func wrapWire(kind wireKind, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out
}

func unwrapWire(raw []byte) (wireKind, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, errs.InvalidArgument("admin message: empty frame")
	}
	return wireKind(raw[0]), raw[1:], nil
}

// Exported byte values of the wireKind constants, for transport
// adapters that need to pick an outer wireproto envelope matching this
// package's internal message kind without importing the unexported
// type itself.
const (
	WireKindSubmit    = byte(wireKindSubmit)
	WireKindProposed  = byte(wireKindProposed)
	WireKindConsensus = byte(wireKindConsensus)
)

// SplitWireFrame exposes unwrapWire to transport adapters living
// outside this package.
func SplitWireFrame(raw []byte) (byte, []byte, error) {
	kind, body, err := unwrapWire(raw)
	return byte(kind), body, err
}
