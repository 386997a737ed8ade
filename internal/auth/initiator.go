package auth

import (
	"fmt"

	"github.com/circuitmesh/circuitd/internal/wireproto"
)

// InitiatorMachine drives the "Initiating side" states of spec.md §4.2:
// Start -> SentAuthProtocolRequest -> ReceivedAuthProtocolResponse ->
// (Trust|Challenge submachine) -> WaitForComplete ->
// AuthorizedAndComplete, with a terminal Unauthorized state reachable
// from any point.
type InitiatorMachine struct {
	Phase    InitiatorPhase
	policy   Policy
	chosen   AuthTypePreference
	nonce    [32]byte
	Identity *Identity
}

func NewInitiatorMachine(policy Policy) *InitiatorMachine {
	return &InitiatorMachine{Phase: InitStart, policy: policy}
}

// Start produces the first outbound message: the protocol version
// range request.
func (m *InitiatorMachine) Start() (OutboundMessage, error) {
	if m.Phase != InitStart {
		return OutboundMessage{}, fmt.Errorf("auth: initiator already started (phase %v)", m.Phase)
	}
	m.Phase = InitSentProtocolRequest
	return OutboundMessage{
		Type: wireproto.AuthProtocolRequest,
		Msg:  &wireproto.AuthProtocolRequestMsg{MinVersion: 1, MaxVersion: PeerAuthorizationProtocolVersion},
	}, nil
}

// HandleMessage feeds one inbound wireproto auth message and returns
// any messages to send in response plus whether the machine has
// reached a terminal state (authorized or not).
func (m *InitiatorMachine) HandleMessage(t wireproto.AuthMessageType, msg wireproto.Codec) ([]OutboundMessage, bool, error) {
	if m.Phase == InitUnauthorized {
		return nil, true, &ErrUnauthorized{Reason: "message received after unauthorization"}
	}
	if m.Phase == InitAuthorizedAndComplete {
		return nil, true, &ErrUnauthorized{Reason: "message received after completion"}
	}

	switch m.Phase {
	case InitSentProtocolRequest:
		resp, ok := msg.(*wireproto.AuthProtocolResponseMsg)
		if !ok || t != wireproto.AuthProtocolResponse {
			return m.unauthorize("expected AuthProtocolResponse")
		}
		return m.handleProtocolResponse(resp)

	case InitSubmachine:
		return m.handleSubmachine(t, msg)

	case InitWaitForComplete:
		if t != wireproto.AuthCompleteType {
			return m.unauthorize("expected AuthComplete")
		}
		m.Phase = InitAuthorizedAndComplete
		return nil, true, nil

	default:
		return m.unauthorize(fmt.Sprintf("unexpected message in phase %v", m.Phase))
	}
}

func (m *InitiatorMachine) handleProtocolResponse(resp *wireproto.AuthProtocolResponseMsg) ([]OutboundMessage, bool, error) {
	if resp.Version < 1 || resp.Version > PeerAuthorizationProtocolVersion {
		return m.unauthorize("unable to agree on protocol version")
	}

	var chosen AuthTypePreference
	for _, offered := range resp.AuthTypes {
		pref := fromWireAuthType(offered)
		if m.accepts(pref) {
			chosen = pref
			break
		}
	}
	if chosen == 0 {
		return m.unauthorize("no mutually acceptable authorization type")
	}
	if m.policy.RequiredAuthType != 0 && chosen != m.policy.RequiredAuthType {
		return m.unauthorize("required auth type not offered by peer")
	}

	m.chosen = chosen
	m.Phase = InitSubmachine

	switch chosen {
	case PreferTrust:
		out := OutboundMessage{
			Type: wireproto.AuthTrustRequestType,
			Msg:  &wireproto.AuthTrustRequestMsg{Identity: m.policy.TrustIdentity},
		}
		return []OutboundMessage{out}, false, nil

	case PreferChallenge:
		out := OutboundMessage{
			Type: wireproto.AuthChallengeNonceRequestType,
			Msg:  &wireproto.AuthChallengeNonceRequestMsg{},
		}
		return []OutboundMessage{out}, false, nil

	default:
		return m.unauthorize("unsupported auth type")
	}
}

func (m *InitiatorMachine) handleSubmachine(t wireproto.AuthMessageType, msg wireproto.Codec) ([]OutboundMessage, bool, error) {
	switch m.chosen {
	case PreferTrust:
		if t != wireproto.AuthTrustResponseType {
			return m.unauthorize("expected AuthTrustResponse")
		}
		// Trust carries no cryptography; the initiator's identity of
		// the acceptor remains whatever was configured/pinned out of
		// band. Proceed straight to completion.
		m.Phase = InitWaitForComplete
		out := OutboundMessage{Type: wireproto.AuthCompleteType, Msg: &wireproto.AuthCompleteMsg{}}
		return []OutboundMessage{out}, false, nil

	case PreferChallenge:
		switch t {
		case wireproto.AuthChallengeNonceResponseType:
			resp := msg.(*wireproto.AuthChallengeNonceResponseMsg)
			m.nonce = resp.Nonce
			sigs, err := SignNonce(m.nonce, m.policy.SigningKeys)
			if err != nil {
				return m.unauthorize(fmt.Sprintf("signing nonce: %v", err))
			}
			pairs := make([]wireproto.PublicKeySignature, len(m.policy.SigningKeys))
			for i, k := range m.policy.SigningKeys {
				pairs[i] = wireproto.PublicKeySignature{
					PublicKey: k.PubKey().SerializeCompressed(),
					Signature: sigs[i],
				}
			}
			out := OutboundMessage{
				Type: wireproto.AuthChallengeSubmitRequestType,
				Msg:  &wireproto.AuthChallengeSubmitRequestMsg{Signatures: pairs},
			}
			return []OutboundMessage{out}, false, nil

		case wireproto.AuthChallengeSubmitResponseType:
			resp := msg.(*wireproto.AuthChallengeSubmitResponseMsg)
			m.Identity = &Identity{Kind: IdentityChallenge, PublicKey: resp.ChosenPublicKey}
			m.Phase = InitWaitForComplete
			out := OutboundMessage{Type: wireproto.AuthCompleteType, Msg: &wireproto.AuthCompleteMsg{}}
			return []OutboundMessage{out}, false, nil

		default:
			return m.unauthorize("unexpected message in challenge submachine")
		}

	default:
		return m.unauthorize("no submachine selected")
	}
}

func (m *InitiatorMachine) accepts(pref AuthTypePreference) bool {
	for _, t := range m.policy.AcceptedAuthTypes {
		if t == pref {
			return true
		}
	}
	return false
}

func (m *InitiatorMachine) unauthorize(reason string) ([]OutboundMessage, bool, error) {
	m.Phase = InitUnauthorized
	out := OutboundMessage{
		Type: wireproto.AuthorizationErrorType,
		Msg:  &wireproto.AuthorizationErrorMsg{Code: 1, Message: reason},
	}
	return []OutboundMessage{out}, true, &ErrUnauthorized{Reason: reason}
}
