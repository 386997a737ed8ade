package admin

import (
	"bytes"
	"crypto/sha512"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/ids"
	"github.com/circuitmesh/circuitd/internal/registry"
)

// VerifyEnvelope checks a CircuitManagementPayload against spec.md
// §4.3's "Payload envelope" rules, grounded in discovery/validation.go's
// signature-then-membership verification order:
//
//  1. SHA-512(serialized_action) == header.payload_sha512
//  2. the header's own bytes are signed by requester's private key
//  3. requester_node_id is a member of the circuit the action references
//  4. requester's public key is in that node's registered key set
func VerifyEnvelope(payload *CircuitManagementPayload, actionBytes []byte, circuitMembers []string, reg *registry.Registry) error {
	sum := sha512.Sum512(actionBytes)
	if !bytes.Equal(sum[:], payload.Header.PayloadSHA512) {
		return errs.InvalidArgument("payload: action digest does not match header.payload_sha512")
	}

	digest := chainhash.DoubleHashB(payload.HeaderBytes)
	sig, err := ecdsa.ParseDERSignature(payload.Signature)
	if err != nil {
		return errs.InvalidArgument("payload: malformed signature: %v", err)
	}
	pub, err := btcec.ParsePubKey(payload.Header.Requester)
	if err != nil {
		return errs.InvalidArgument("payload: malformed requester public key: %v", err)
	}
	if !sig.Verify(digest, pub) {
		return errs.InvalidArgument("payload: signature does not verify against requester public key")
	}

	isMember := false
	for _, m := range circuitMembers {
		if m == payload.Header.RequesterNodeID {
			isMember = true
			break
		}
	}
	if !isMember {
		return errs.InvalidState("payload: requester node %s is not a member of the referenced circuit", payload.Header.RequesterNodeID)
	}

	if !reg.HasPublicKey(payload.Header.RequesterNodeID, payload.Header.Requester) {
		return errs.InvalidArgument("payload: requester public key is not registered for node %s", payload.Header.RequesterNodeID)
	}

	return nil
}

// AdminServiceID returns "admin::"+node_id, per spec.md §4.3's
// coordinator-election key.
func AdminServiceID(nodeID string) string {
	return ids.AdminServiceID(nodeID)
}

// Coordinator returns the member whose admin service id sorts
// lexicographically smallest, per spec.md §4.3's coordinator election
// rule.
func Coordinator(members []ProposedNode) string {
	if len(members) == 0 {
		return ""
	}
	coordinator := members[0].NodeID
	smallest := AdminServiceID(coordinator)
	for _, m := range members[1:] {
		if id := AdminServiceID(m.NodeID); id < smallest {
			smallest = id
			coordinator = m.NodeID
		}
	}
	return coordinator
}
