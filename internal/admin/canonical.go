package admin

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"

	"github.com/circuitmesh/circuitd/internal/errs"
)

// canonicalCircuit returns a deterministic byte encoding of a proposed
// circuit. encoding/json is stable here because every struct field is
// marshaled in declaration order and every sequence field is already
// an ordered slice -- there are no maps on the hot path.
func canonicalCircuit(c ProposedCircuit) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errs.Internal(err, "canonicalizing proposed circuit %s", c.CircuitID)
	}
	return b, nil
}

// CircuitHash computes SHA-512 over the canonical encoding of c, per
// spec.md §3's "circuit_hash: SHA-512 over canonical proposed
// circuit".
func CircuitHash(c ProposedCircuit) ([]byte, error) {
	b, err := canonicalCircuit(c)
	if err != nil {
		return nil, err
	}
	sum := sha512.Sum512(b)
	return sum[:], nil
}

// ProposalID computes SHA-256 over the raw submitted payload bytes,
// per spec.md §3's "proposal_id = SHA-256(payload_bytes)".
func ProposalID(payloadBytes []byte) string {
	sum := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(sum[:])
}
