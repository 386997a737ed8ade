package auth

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/circuitmesh/circuitd/internal/wireproto"
	"github.com/stretchr/testify/require"
)

// drive pumps messages between an initiator and acceptor machine until
// both reach a terminal state, returning the final error from each
// side (nil on success).
func drive(t *testing.T, init *InitiatorMachine, acc *AcceptorMachine) (errI, errA error) {
	t.Helper()

	first, err := init.Start()
	require.NoError(t, err)

	pending := []struct {
		from string
		typ  wireproto.AuthMessageType
		msg  wireproto.Codec
	}{{"init", first.Type, first.Msg}}

	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]

		if cur.from == "init" {
			outs, done, err := acc.HandleMessage(cur.typ, cur.msg)
			for _, o := range outs {
				pending = append(pending, struct {
					from string
					typ  wireproto.AuthMessageType
					msg  wireproto.Codec
				}{"acc", o.Type, o.Msg})
			}
			if done {
				errA = err
			}
		} else {
			outs, done, err := init.HandleMessage(cur.typ, cur.msg)
			for _, o := range outs {
				pending = append(pending, struct {
					from string
					typ  wireproto.AuthMessageType
					msg  wireproto.Codec
				}{"init", o.Type, o.Msg})
			}
			if done {
				errI = err
			}
		}
	}
	return errI, errA
}

func TestTrustAuthorizationSucceeds(t *testing.T) {
	initiator := NewInitiatorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferTrust},
		TrustIdentity:      "node-b",
	})
	acceptor := NewAcceptorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferTrust},
	})

	errI, errA := drive(t, initiator, acceptor)
	require.NoError(t, errI)
	require.NoError(t, errA)
	require.Equal(t, InitAuthorizedAndComplete, initiator.Phase)
	require.Equal(t, AcceptDone, acceptor.Phase)
	require.Equal(t, "node-b", acceptor.Identity.Trust)
}

func TestChallengeAuthorizationSucceeds(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	initiator := NewInitiatorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferChallenge},
		SigningKeys:       []*btcec.PrivateKey{key},
	})
	acceptor := NewAcceptorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferChallenge},
	})

	errI, errA := drive(t, initiator, acceptor)
	require.NoError(t, errI)
	require.NoError(t, errA)
	require.Equal(t, key.PubKey().SerializeCompressed(), acceptor.Identity.PublicKey)
	require.Equal(t, key.PubKey().SerializeCompressed(), initiator.Identity.PublicKey)
}

func TestChallengeAuthorizationRejectsBadSignature(t *testing.T) {
	goodKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	initiator := NewInitiatorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferChallenge},
		SigningKeys:       []*btcec.PrivateKey{goodKey},
	})
	acceptor := NewAcceptorMachine(Policy{
		AcceptedAuthTypes:     []AuthTypePreference{PreferChallenge},
		ExpectedPeerPublicKey: otherKey.PubKey().SerializeCompressed(),
	})

	_, errA := drive(t, initiator, acceptor)
	require.Error(t, errA)
	require.Equal(t, AcceptUnauthorized, acceptor.Phase)
}

func TestRequiredAuthTypeMismatchUnauthorizes(t *testing.T) {
	initiator := NewInitiatorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferTrust},
		RequiredAuthType:  PreferChallenge,
		TrustIdentity:     "node-b",
	})
	acceptor := NewAcceptorMachine(Policy{
		AcceptedAuthTypes: []AuthTypePreference{PreferTrust},
	})

	errI, _ := drive(t, initiator, acceptor)
	require.Error(t, errI)
	require.Equal(t, InitUnauthorized, initiator.Phase)
}

func TestMessageAfterTerminationRejected(t *testing.T) {
	acceptor := NewAcceptorMachine(Policy{AcceptedAuthTypes: []AuthTypePreference{PreferTrust}})
	acceptor.Phase = AcceptDone

	_, done, err := acceptor.HandleMessage(wireproto.AuthTrustRequestType, &wireproto.AuthTrustRequestMsg{Identity: "x"})
	require.True(t, done)
	require.Error(t, err)
	var unauth *ErrUnauthorized
	require.ErrorAs(t, err, &unauth)
}
