package auth

import (
	"fmt"

	"github.com/circuitmesh/circuitd/internal/wireproto"
)

// AcceptorMachine drives the "Accepting side" states of spec.md §4.2:
// Start -> ReceivedAuthProtocolRequest -> SentAuthProtocolResponse ->
// (Trust|Challenge submachine) -> Done{identity}, with a terminal
// Unauthorized state reachable from any point.
type AcceptorMachine struct {
	Phase    AcceptorPhase
	policy   Policy
	chosen   AuthTypePreference
	nonce    [32]byte
	Identity *Identity
}

func NewAcceptorMachine(policy Policy) *AcceptorMachine {
	return &AcceptorMachine{Phase: AcceptStart, policy: policy}
}

// HandleMessage feeds one inbound wireproto auth message and returns
// any messages to send in response plus whether the machine has
// reached a terminal state (authorized or not).
func (m *AcceptorMachine) HandleMessage(t wireproto.AuthMessageType, msg wireproto.Codec) ([]OutboundMessage, bool, error) {
	if m.Phase == AcceptUnauthorized {
		return nil, true, &ErrUnauthorized{Reason: "message received after unauthorization"}
	}
	if m.Phase == AcceptDone {
		return nil, true, &ErrUnauthorized{Reason: "message received after completion"}
	}

	switch m.Phase {
	case AcceptStart:
		req, ok := msg.(*wireproto.AuthProtocolRequestMsg)
		if !ok || t != wireproto.AuthProtocolRequest {
			return m.unauthorize("expected AuthProtocolRequest")
		}
		return m.handleProtocolRequest(req)

	case AcceptSubmachine:
		return m.handleSubmachine(t, msg)

	case AcceptSentProtocolResponse:
		return m.handleSubmachine(t, msg)

	default:
		return m.unauthorize(fmt.Sprintf("unexpected message in phase %v", m.Phase))
	}
}

func (m *AcceptorMachine) handleProtocolRequest(req *wireproto.AuthProtocolRequestMsg) ([]OutboundMessage, bool, error) {
	if req.MaxVersion < 1 || req.MinVersion > PeerAuthorizationProtocolVersion {
		return m.unauthorize("unable to agree on protocol version")
	}

	types := make([]wireproto.AuthType, 0, len(m.policy.AcceptedAuthTypes))
	for _, t := range m.policy.AcceptedAuthTypes {
		types = append(types, toWireAuthType(t))
	}
	if len(types) == 0 {
		return m.unauthorize("no authorization types configured")
	}

	m.Phase = AcceptSentProtocolResponse
	out := OutboundMessage{
		Type: wireproto.AuthProtocolResponse,
		Msg:  &wireproto.AuthProtocolResponseMsg{Version: PeerAuthorizationProtocolVersion, AuthTypes: types},
	}
	return []OutboundMessage{out}, false, nil
}

func (m *AcceptorMachine) handleSubmachine(t wireproto.AuthMessageType, msg wireproto.Codec) ([]OutboundMessage, bool, error) {
	switch t {
	case wireproto.AuthTrustRequestType:
		if !m.accepts(PreferTrust) {
			return m.unauthorize("trust authorization not accepted")
		}
		req := msg.(*wireproto.AuthTrustRequestMsg)
		if req.Identity == "" {
			return m.unauthorize("empty trust identity")
		}
		m.chosen = PreferTrust
		m.Identity = &Identity{Kind: IdentityTrust, Trust: req.Identity}
		m.Phase = AcceptSubmachine
		out := OutboundMessage{Type: wireproto.AuthTrustResponseType, Msg: &wireproto.AuthTrustResponseMsg{}}
		return []OutboundMessage{out}, false, nil

	case wireproto.AuthChallengeNonceRequestType:
		if !m.accepts(PreferChallenge) {
			return m.unauthorize("challenge authorization not accepted")
		}
		nonce, err := NewNonce()
		if err != nil {
			return m.unauthorize(fmt.Sprintf("generating nonce: %v", err))
		}
		m.nonce = nonce
		m.chosen = PreferChallenge
		m.Phase = AcceptSubmachine
		out := OutboundMessage{
			Type: wireproto.AuthChallengeNonceResponseType,
			Msg:  &wireproto.AuthChallengeNonceResponseMsg{Nonce: nonce},
		}
		return []OutboundMessage{out}, false, nil

	case wireproto.AuthChallengeSubmitRequestType:
		if m.chosen != PreferChallenge {
			return m.unauthorize("challenge submission without prior nonce request")
		}
		req := msg.(*wireproto.AuthChallengeSubmitRequestMsg)
		chosen, err := m.verifyChallengeSubmission(req)
		if err != nil {
			return m.unauthorize(err.Error())
		}
		m.Identity = &Identity{Kind: IdentityChallenge, PublicKey: chosen}
		out := OutboundMessage{
			Type: wireproto.AuthChallengeSubmitResponseType,
			Msg:  &wireproto.AuthChallengeSubmitResponseMsg{ChosenPublicKey: chosen},
		}
		return []OutboundMessage{out}, false, nil

	case wireproto.AuthTrustResponseType:
		// handled only on the initiator side; seeing it here is a
		// protocol violation.
		return m.unauthorize("unexpected AuthTrustResponse on accepting side")

	case wireproto.AuthCompleteType:
		if m.Identity == nil {
			return m.unauthorize("unexpected AuthComplete before the submachine finished")
		}
		m.Phase = AcceptDone
		out := OutboundMessage{Type: wireproto.AuthCompleteType, Msg: &wireproto.AuthCompleteMsg{}}
		return []OutboundMessage{out}, true, nil

	default:
		return m.unauthorize("unexpected message in submachine")
	}
}

func (m *AcceptorMachine) verifyChallengeSubmission(req *wireproto.AuthChallengeSubmitRequestMsg) ([]byte, error) {
	for _, pair := range req.Signatures {
		if len(m.policy.ExpectedPeerPublicKey) > 0 &&
			string(pair.PublicKey) != string(m.policy.ExpectedPeerPublicKey) {
			continue
		}
		ok, err := VerifyNonceSignature(m.nonce, pair.PublicKey, pair.Signature)
		if err != nil {
			continue
		}
		if ok {
			return pair.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("no submitted signature verified against the issued nonce")
}

func (m *AcceptorMachine) accepts(pref AuthTypePreference) bool {
	for _, t := range m.policy.AcceptedAuthTypes {
		if t == pref {
			return true
		}
	}
	return false
}

func (m *AcceptorMachine) unauthorize(reason string) ([]OutboundMessage, bool, error) {
	m.Phase = AcceptUnauthorized
	out := OutboundMessage{
		Type: wireproto.AuthorizationErrorType,
		Msg:  &wireproto.AuthorizationErrorMsg{Code: 1, Message: reason},
	}
	return []OutboundMessage{out}, true, &ErrUnauthorized{Reason: reason}
}
