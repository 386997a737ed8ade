// Package ids generates and validates the base62 identifiers used on
// the wire and in the store: circuit ids ("XXXXX-YYYYY"), service ids
// ("XXXX"), and the admin-service coordinator id derived from a
// node id.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/google/uuid"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	circuitIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{5}-[0-9A-Za-z]{5}$`)
	serviceIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{4}$`)
)

func randomBase62(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("ids: generating random base62: %w", err)
		}
		out[i] = base62Alphabet[idx.Int64()]
	}
	return string(out), nil
}

// NewCircuitID returns a fresh "XXXXX-YYYYY" identifier. Collision with
// an existing circuit/proposal is the caller's responsibility to check
// against the store, exactly as spec.md's uniqueness invariant requires.
func NewCircuitID() (string, error) {
	left, err := randomBase62(5)
	if err != nil {
		return "", err
	}
	right, err := randomBase62(5)
	if err != nil {
		return "", err
	}
	return left + "-" + right, nil
}

// ValidCircuitID reports whether id matches the 5-char-base62 "-"
// 5-char-base62 shape.
func ValidCircuitID(id string) bool {
	return circuitIDPattern.MatchString(id)
}

// NewServiceID returns a fresh 4-char-base62 identifier.
func NewServiceID() (string, error) {
	return randomBase62(4)
}

// ValidServiceID reports whether id matches the 4-char-base62 shape.
func ValidServiceID(id string) bool {
	return serviceIDPattern.MatchString(id)
}

// AdminServiceID returns the "admin::<node_id>" identifier used for
// two-phase-commit coordinator election (lexicographically smallest
// wins, see spec.md §4.3).
func AdminServiceID(nodeID string) string {
	return "admin::" + nodeID
}

// NewConnectionID mints a fresh opaque connection identifier. Minting
// uses a real UUID (google/uuid) rather than a counter so connection
// ids stay unique across peer-manager restarts within the same process,
// matching spec.md's "mint a fresh connection_id (UUID)".
func NewConnectionID() string {
	return uuid.NewString()
}
