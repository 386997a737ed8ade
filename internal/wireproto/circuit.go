package wireproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CircuitMessageType tags payloads carried inside a TypeCircuit
// NetworkMessage, per spec.md §6.
type CircuitMessageType uint8

const (
	ProposedCircuitType CircuitMessageType = iota + 1
	ConsensusMessageType
	CircuitDirectMessageType
	AdminDirectMessageType
	ServiceConnectRequestType
	ServiceConnectResponseType
	ServiceDisconnectRequestType
	ServiceDisconnectResponseType
	CircuitErrorType
)

// DecodeCircuitMessage mirrors DecodeAuthMessage for the CIRCUIT
// message family.
func DecodeCircuitMessage(payload []byte) (CircuitMessageType, Codec, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("wireproto: empty circuit payload")
	}
	t := CircuitMessageType(payload[0])
	body := payload[1:]

	var msg Codec
	switch t {
	case ProposedCircuitType:
		msg = &ProposedCircuitMsg{}
	case ConsensusMessageType:
		msg = &ConsensusMessageMsg{}
	case CircuitDirectMessageType:
		msg = &CircuitDirectMessageMsg{}
	case AdminDirectMessageType:
		msg = &AdminDirectMessageMsg{}
	case ServiceConnectRequestType:
		msg = &ServiceConnectRequestMsg{}
	case ServiceConnectResponseType:
		msg = &ServiceConnectResponseMsg{}
	case ServiceDisconnectRequestType:
		msg = &ServiceDisconnectRequestMsg{}
	case ServiceDisconnectResponseType:
		msg = &ServiceDisconnectResponseMsg{}
	case CircuitErrorType:
		msg = &CircuitErrorMsg{}
	default:
		return 0, nil, fmt.Errorf("wireproto: unknown circuit message type %d", t)
	}

	r := bytes.NewReader(body)
	if err := msg.Decode(r); err != nil {
		return 0, nil, err
	}
	return t, msg, nil
}

// EncodeCircuitMessage wraps msg with its 1-byte sub-type tag.
func EncodeCircuitMessage(t CircuitMessageType, msg Codec) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := buf.Write([]byte{byte(t)}); err != nil {
		return nil, err
	}
	if err := msg.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ProposedCircuitMsg carries the admin service's broadcast of a new
// proposal to every other circuit member, per spec.md §4.3 step 3. The
// payload is the already-serialized CircuitManagementPayload the
// coordinator received; members re-derive everything from it rather
// than trusting a separately-encoded summary.
type ProposedCircuitMsg struct {
	PayloadBytes []byte
}

func (m *ProposedCircuitMsg) Encode(w io.Writer) error { return writeBytes(w, m.PayloadBytes) }
func (m *ProposedCircuitMsg) Decode(r io.Reader) error {
	b, err := readBytes(r)
	m.PayloadBytes = b
	return err
}

// ConsensusMessageMsg carries a two-phase-commit protocol message
// (vote / accept / reject) between admin services, per spec.md §4.3
// step 4-5. CircuitID is supplied out of band on top of the
// embedded CircuitProposalVote payload so the receiving admin service
// can route the message without decoding the payload first.
type ConsensusMessageMsg struct {
	CircuitID    string
	PayloadBytes []byte
}

func (m *ConsensusMessageMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	return writeBytes(w, m.PayloadBytes)
}

func (m *ConsensusMessageMsg) Decode(r io.Reader) error {
	cid, err := readString(r)
	if err != nil {
		return err
	}
	b, err := readBytes(r)
	if err != nil {
		return err
	}
	m.CircuitID, m.PayloadBytes = cid, b
	return nil
}

// CircuitDirectMessageMsg is service-to-service application traffic
// routed via the routing table.
type CircuitDirectMessageMsg struct {
	CircuitID     string
	RecipientID   string
	SenderID      string
	Payload       []byte
}

func (m *CircuitDirectMessageMsg) Encode(w io.Writer) error {
	for _, s := range []string{m.CircuitID, m.RecipientID, m.SenderID} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return writeBytes(w, m.Payload)
}

func (m *CircuitDirectMessageMsg) Decode(r io.Reader) error {
	var err error
	if m.CircuitID, err = readString(r); err != nil {
		return err
	}
	if m.RecipientID, err = readString(r); err != nil {
		return err
	}
	if m.SenderID, err = readString(r); err != nil {
		return err
	}
	m.Payload, err = readBytes(r)
	return err
}

// AdminDirectMessageMsg is a non-consensus admin-to-admin message, used
// e.g. for Abandon's out-of-band notification.
type AdminDirectMessageMsg struct {
	CircuitID    string
	PayloadBytes []byte
}

func (m *AdminDirectMessageMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	return writeBytes(w, m.PayloadBytes)
}

func (m *AdminDirectMessageMsg) Decode(r io.Reader) error {
	cid, err := readString(r)
	if err != nil {
		return err
	}
	b, err := readBytes(r)
	if err != nil {
		return err
	}
	m.CircuitID, m.PayloadBytes = cid, b
	return nil
}

// ServiceConnectRequestMsg/Response register a ServiceHost's interest
// in receiving traffic for a service on a circuit.
type ServiceConnectRequestMsg struct {
	CircuitID string
	ServiceID string
}

func (m *ServiceConnectRequestMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	return writeString(w, m.ServiceID)
}

func (m *ServiceConnectRequestMsg) Decode(r io.Reader) error {
	var err error
	if m.CircuitID, err = readString(r); err != nil {
		return err
	}
	m.ServiceID, err = readString(r)
	return err
}

type ServiceConnectResponseMsg struct {
	CircuitID string
	ServiceID string
	Accepted  bool
}

func (m *ServiceConnectResponseMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	if err := writeString(w, m.ServiceID); err != nil {
		return err
	}
	var b byte
	if m.Accepted {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func (m *ServiceConnectResponseMsg) Decode(r io.Reader) error {
	var err error
	if m.CircuitID, err = readString(r); err != nil {
		return err
	}
	if m.ServiceID, err = readString(r); err != nil {
		return err
	}
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	m.Accepted = b[0] == 1
	return nil
}

type ServiceDisconnectRequestMsg struct {
	CircuitID string
	ServiceID string
}

func (m *ServiceDisconnectRequestMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	return writeString(w, m.ServiceID)
}

func (m *ServiceDisconnectRequestMsg) Decode(r io.Reader) error {
	var err error
	if m.CircuitID, err = readString(r); err != nil {
		return err
	}
	m.ServiceID, err = readString(r)
	return err
}

type ServiceDisconnectResponseMsg struct {
	CircuitID string
	ServiceID string
}

func (m *ServiceDisconnectResponseMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	return writeString(w, m.ServiceID)
}

func (m *ServiceDisconnectResponseMsg) Decode(r io.Reader) error {
	var err error
	if m.CircuitID, err = readString(r); err != nil {
		return err
	}
	m.ServiceID, err = readString(r)
	return err
}

// CircuitErrorMsg reports a circuit-level failure back to the sender.
type CircuitErrorMsg struct {
	CircuitID string
	Code      uint16
	Message   string
}

func (m *CircuitErrorMsg) Encode(w io.Writer) error {
	if err := writeString(w, m.CircuitID); err != nil {
		return err
	}
	var codeBuf [2]byte
	binary.BigEndian.PutUint16(codeBuf[:], m.Code)
	if _, err := w.Write(codeBuf[:]); err != nil {
		return err
	}
	return writeString(w, m.Message)
}

func (m *CircuitErrorMsg) Decode(r io.Reader) error {
	var err error
	if m.CircuitID, err = readString(r); err != nil {
		return err
	}
	var codeBuf [2]byte
	if _, err := io.ReadFull(r, codeBuf[:]); err != nil {
		return err
	}
	m.Code = binary.BigEndian.Uint16(codeBuf[:])
	m.Message, err = readString(r)
	return err
}

// HeartbeatMsg is the NETWORK_HEARTBEAT payload, empty per spec.md §6.
type HeartbeatMsg struct{}

func (m *HeartbeatMsg) Encode(w io.Writer) error { return nil }
func (m *HeartbeatMsg) Decode(r io.Reader) error { return nil }

// EchoMsg is the NETWORK_ECHO payload, used for connectivity probes.
type EchoMsg struct {
	Nonce uint64
}

func (m *EchoMsg) Encode(w io.Writer) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], m.Nonce)
	_, err := w.Write(b[:])
	return err
}

func (m *EchoMsg) Decode(r io.Reader) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	m.Nonce = binary.BigEndian.Uint64(b[:])
	return nil
}
