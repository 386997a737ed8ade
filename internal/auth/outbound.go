package auth

import "github.com/circuitmesh/circuitd/internal/wireproto"

// OutboundMessage pairs a wireproto auth sub-type with its encoded
// body, ready for the connection actor to wrap in a TypeAuthorization
// NetworkMessage and send.
type OutboundMessage struct {
	Type wireproto.AuthMessageType
	Msg  wireproto.Codec
}

func toWireAuthType(p AuthTypePreference) wireproto.AuthType {
	switch p {
	case PreferTrust:
		return wireproto.AuthTypeTrust
	case PreferChallenge:
		return wireproto.AuthTypeChallenge
	default:
		return 0
	}
}

func fromWireAuthType(t wireproto.AuthType) AuthTypePreference {
	switch t {
	case wireproto.AuthTypeTrust:
		return PreferTrust
	case wireproto.AuthTypeChallenge:
		return PreferChallenge
	default:
		return 0
	}
}

// ErrUnauthorized is returned by a machine's HandleMessage when it
// unauthorizes the connection, and for every further message fed to it
// after it reached a terminal state (Unauthorized or completed); per
// Testable Property 4, every message after termination is rejected.
type ErrUnauthorized struct{ Reason string }

func (e *ErrUnauthorized) Error() string { return "auth: unauthorized: " + e.Reason }
