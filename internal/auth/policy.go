package auth

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Policy configures what a node offers and requires when authorizing a
// new connection, per spec.md §4.2.
type Policy struct {
	// AcceptedAuthTypes is the ordered list offered in
	// AuthProtocolResponseMsg, consistent with local configuration.
	AcceptedAuthTypes []AuthTypePreference

	// RequiredAuthType, if non-zero, makes the initiator reject a
	// response that does not offer it ("Required-auth mismatch").
	RequiredAuthType AuthTypePreference

	// TrustIdentity is the string sent in an AuthTrustRequestMsg when
	// running the Trust submachine as the declaring party.
	TrustIdentity string

	// SigningKeys are the private keys used to sign a nonce when
	// running the Challenge submachine as the challenged party. Every
	// key is signed with and submitted; the verifier picks one.
	SigningKeys []*btcec.PrivateKey

	// ExpectedPeerPublicKey, if set, pins the remote's identity: the
	// Challenge submachine fails unless one of the submitted keys
	// matches it exactly.
	ExpectedPeerPublicKey []byte
}

// AuthTypePreference mirrors wireproto.AuthType without importing
// wireproto from this package's exported API, keeping auth's core
// state-machine logic transport-agnostic; the connmgr glue layer
// converts between the two.
type AuthTypePreference int

const (
	PreferTrust AuthTypePreference = iota + 1
	PreferChallenge
)

// NewNonce returns 32 cryptographically random bytes for the Challenge
// submachine.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}

// SignNonce signs digest(nonce) with every key in keys, returning one
// signature per key in the same order.
func SignNonce(nonce [32]byte, keys []*btcec.PrivateKey) ([][]byte, error) {
	digest := chainhash.DoubleHashB(nonce[:])
	sigs := make([][]byte, len(keys))
	for i, k := range keys {
		sig := ecdsa.Sign(k, digest)
		sigs[i] = sig.Serialize()
	}
	return sigs, nil
}

// VerifyNonceSignature verifies that sig is a valid signature over
// digest(nonce) under pubKeyBytes (compressed secp256k1 point).
func VerifyNonceSignature(nonce [32]byte, pubKeyBytes, sig []byte) (bool, error) {
	pub, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("auth: parsing public key: %w", err)
	}
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("auth: parsing signature: %w", err)
	}
	digest := chainhash.DoubleHashB(nonce[:])
	return signature.Verify(digest, pub), nil
}
