package wireproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// AuthMessageType tags payloads carried inside a TypeAuthorization
// NetworkMessage, per spec.md §6.
type AuthMessageType uint8

const (
	AuthProtocolRequest AuthMessageType = iota + 1
	AuthProtocolResponse
	AuthTrustRequestType
	AuthTrustResponseType
	AuthChallengeNonceRequestType
	AuthChallengeNonceResponseType
	AuthChallengeSubmitRequestType
	AuthChallengeSubmitResponseType
	AuthCompleteType
	AuthorizationErrorType
)

// AuthType enumerates the authorization schemes a node may offer or
// require, per spec.md §4.2.
type AuthType uint8

const (
	AuthTypeTrust AuthType = iota + 1
	AuthTypeChallenge
)

func encodeAuthHeader(w io.Writer, t AuthMessageType) error {
	_, err := w.Write([]byte{byte(t)})
	return err
}

// DecodeAuthMessage reads the 1-byte sub-type tag and dispatches to
// the matching concrete Codec, mirroring makeEmptyMessage in the
// teacher's lnwire/message.go.
func DecodeAuthMessage(payload []byte) (AuthMessageType, Codec, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("wireproto: empty auth payload")
	}
	t := AuthMessageType(payload[0])
	body := payload[1:]

	var msg Codec
	switch t {
	case AuthProtocolRequest:
		msg = &AuthProtocolRequestMsg{}
	case AuthProtocolResponse:
		msg = &AuthProtocolResponseMsg{}
	case AuthTrustRequestType:
		msg = &AuthTrustRequestMsg{}
	case AuthTrustResponseType:
		msg = &AuthTrustResponseMsg{}
	case AuthChallengeNonceRequestType:
		msg = &AuthChallengeNonceRequestMsg{}
	case AuthChallengeNonceResponseType:
		msg = &AuthChallengeNonceResponseMsg{}
	case AuthChallengeSubmitRequestType:
		msg = &AuthChallengeSubmitRequestMsg{}
	case AuthChallengeSubmitResponseType:
		msg = &AuthChallengeSubmitResponseMsg{}
	case AuthCompleteType:
		msg = &AuthCompleteMsg{}
	case AuthorizationErrorType:
		msg = &AuthorizationErrorMsg{}
	default:
		return 0, nil, fmt.Errorf("wireproto: unknown auth message type %d", t)
	}

	r := bytes.NewReader(body)
	if err := msg.Decode(r); err != nil {
		return 0, nil, err
	}
	return t, msg, nil
}

// EncodeAuthMessage wraps msg's encoded body with its 1-byte sub-type
// tag, ready to be placed as the Payload of a TypeAuthorization
// NetworkMessage.
func EncodeAuthMessage(t AuthMessageType, msg Codec) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeAuthHeader(buf, t); err != nil {
		return nil, err
	}
	if err := msg.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AuthProtocolRequestMsg proposes a [min,max] supported protocol
// version range, per spec.md §4.2 "Protocol negotiation".
type AuthProtocolRequestMsg struct {
	MinVersion uint8
	MaxVersion uint8
}

func (m *AuthProtocolRequestMsg) Encode(w io.Writer) error {
	_, err := w.Write([]byte{m.MinVersion, m.MaxVersion})
	return err
}

func (m *AuthProtocolRequestMsg) Decode(r io.Reader) error {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	m.MinVersion, m.MaxVersion = b[0], b[1]
	return nil
}

// AuthProtocolResponseMsg answers with the negotiated version and the
// ordered list of auth types the responder will accept.
type AuthProtocolResponseMsg struct {
	Version   uint8
	AuthTypes []AuthType
}

func (m *AuthProtocolResponseMsg) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{m.Version, uint8(len(m.AuthTypes))}); err != nil {
		return err
	}
	for _, at := range m.AuthTypes {
		if _, err := w.Write([]byte{byte(at)}); err != nil {
			return err
		}
	}
	return nil
}

func (m *AuthProtocolResponseMsg) Decode(r io.Reader) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	m.Version = hdr[0]
	n := hdr[1]
	m.AuthTypes = make([]AuthType, n)
	for i := range m.AuthTypes {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		m.AuthTypes[i] = AuthType(b[0])
	}
	return nil
}

// AuthTrustRequestMsg declares an identity on faith, per spec.md's
// Trust submachine.
type AuthTrustRequestMsg struct {
	Identity string
}

func (m *AuthTrustRequestMsg) Encode(w io.Writer) error { return writeString(w, m.Identity) }
func (m *AuthTrustRequestMsg) Decode(r io.Reader) error {
	s, err := readString(r)
	m.Identity = s
	return err
}

// AuthTrustResponseMsg acknowledges a Trust declaration.
type AuthTrustResponseMsg struct{}

func (m *AuthTrustResponseMsg) Encode(w io.Writer) error { return nil }
func (m *AuthTrustResponseMsg) Decode(r io.Reader) error { return nil }

// AuthChallengeNonceRequestMsg asks the peer for a fresh nonce to sign.
type AuthChallengeNonceRequestMsg struct{}

func (m *AuthChallengeNonceRequestMsg) Encode(w io.Writer) error { return nil }
func (m *AuthChallengeNonceRequestMsg) Decode(r io.Reader) error { return nil }

// AuthChallengeNonceResponseMsg carries the 32 random bytes to sign.
type AuthChallengeNonceResponseMsg struct {
	Nonce [32]byte
}

func (m *AuthChallengeNonceResponseMsg) Encode(w io.Writer) error {
	_, err := w.Write(m.Nonce[:])
	return err
}

func (m *AuthChallengeNonceResponseMsg) Decode(r io.Reader) error {
	_, err := io.ReadFull(r, m.Nonce[:])
	return err
}

// PublicKeySignature pairs a public key with its signature over the
// challenge nonce.
type PublicKeySignature struct {
	PublicKey []byte
	Signature []byte
}

// AuthChallengeSubmitRequestMsg carries one signature per configured
// signing key, per spec.md's Challenge submachine.
type AuthChallengeSubmitRequestMsg struct {
	Signatures []PublicKeySignature
}

func (m *AuthChallengeSubmitRequestMsg) Encode(w io.Writer) error {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.Signatures)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	for _, sig := range m.Signatures {
		if err := writeBytes(w, sig.PublicKey); err != nil {
			return err
		}
		if err := writeBytes(w, sig.Signature); err != nil {
			return err
		}
	}
	return nil
}

func (m *AuthChallengeSubmitRequestMsg) Decode(r io.Reader) error {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(countBuf[:])
	m.Signatures = make([]PublicKeySignature, n)
	for i := range m.Signatures {
		pub, err := readBytes(r)
		if err != nil {
			return err
		}
		sig, err := readBytes(r)
		if err != nil {
			return err
		}
		m.Signatures[i] = PublicKeySignature{PublicKey: pub, Signature: sig}
	}
	return nil
}

// AuthChallengeSubmitResponseMsg names which of the submitted keys the
// verifier accepted as the peer's identity.
type AuthChallengeSubmitResponseMsg struct {
	ChosenPublicKey []byte
}

func (m *AuthChallengeSubmitResponseMsg) Encode(w io.Writer) error {
	return writeBytes(w, m.ChosenPublicKey)
}

func (m *AuthChallengeSubmitResponseMsg) Decode(r io.Reader) error {
	b, err := readBytes(r)
	m.ChosenPublicKey = b
	return err
}

// AuthCompleteMsg signals one side has finished its submachine and
// moved to AuthorizedAndComplete.
type AuthCompleteMsg struct{}

func (m *AuthCompleteMsg) Encode(w io.Writer) error { return nil }
func (m *AuthCompleteMsg) Decode(r io.Reader) error { return nil }

// AuthorizationErrorMsg carries a code/message pair, e.g. for a failed
// version negotiation or a required-auth mismatch.
type AuthorizationErrorMsg struct {
	Code    uint16
	Message string
}

func (m *AuthorizationErrorMsg) Encode(w io.Writer) error {
	var codeBuf [2]byte
	binary.BigEndian.PutUint16(codeBuf[:], m.Code)
	if _, err := w.Write(codeBuf[:]); err != nil {
		return err
	}
	return writeString(w, m.Message)
}

func (m *AuthorizationErrorMsg) Decode(r io.Reader) error {
	var codeBuf [2]byte
	if _, err := io.ReadFull(r, codeBuf[:]); err != nil {
		return err
	}
	m.Code = binary.BigEndian.Uint16(codeBuf[:])
	s, err := readString(r)
	m.Message = s
	return err
}
