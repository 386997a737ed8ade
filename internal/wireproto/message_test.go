package wireproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetworkMessageRoundTrip(t *testing.T) {
	orig := &NetworkMessage{Type: TypeCircuit, Payload: []byte("hello")}

	encoded, err := orig.Encode()
	require.NoError(t, err)

	decoded, err := DecodeNetworkMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, orig.Type, decoded.Type)
	require.Equal(t, orig.Payload, decoded.Payload)

	reEncoded, err := decoded.Encode()
	require.NoError(t, err)
	require.Equal(t, encoded, reEncoded, "serialize->deserialize->serialize must be byte-identical")
}

func TestAuthMessageRoundTrip(t *testing.T) {
	orig := &AuthProtocolRequestMsg{MinVersion: 1, MaxVersion: 2}

	encoded, err := EncodeAuthMessage(AuthProtocolRequest, orig)
	require.NoError(t, err)

	typ, decoded, err := DecodeAuthMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, AuthProtocolRequest, typ)

	got := decoded.(*AuthProtocolRequestMsg)
	require.Equal(t, orig.MinVersion, got.MinVersion)
	require.Equal(t, orig.MaxVersion, got.MaxVersion)
}

func TestChallengeSubmitRoundTrip(t *testing.T) {
	orig := &AuthChallengeSubmitRequestMsg{
		Signatures: []PublicKeySignature{
			{PublicKey: []byte("pub1"), Signature: []byte("sig1")},
			{PublicKey: []byte("pub2"), Signature: []byte("sig2")},
		},
	}

	encoded, err := EncodeAuthMessage(AuthChallengeSubmitRequestType, orig)
	require.NoError(t, err)

	typ, decoded, err := DecodeAuthMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, AuthChallengeSubmitRequestType, typ)
	require.Equal(t, orig, decoded.(*AuthChallengeSubmitRequestMsg))
}

func TestCircuitMessageRoundTrip(t *testing.T) {
	orig := &CircuitDirectMessageMsg{
		CircuitID:   "ABCDE-01234",
		RecipientID: "b000",
		SenderID:    "a000",
		Payload:     []byte{1, 2, 3},
	}

	encoded, err := EncodeCircuitMessage(CircuitDirectMessageType, orig)
	require.NoError(t, err)

	typ, decoded, err := DecodeCircuitMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, CircuitDirectMessageType, typ)
	require.Equal(t, orig, decoded.(*CircuitDirectMessageMsg))
}
