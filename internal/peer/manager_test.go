package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/circuitmesh/circuitd/internal/auth"
	"github.com/circuitmesh/circuitd/internal/connmgr"
	"github.com/stretchr/testify/require"
)

var errFakeDial = errors.New("fake dial failure")

// fakeConnector stands in for internal/connmgr.Manager so peer-manager
// scenarios run without a real transport or authorization handshake.
type fakeConnector struct {
	fail    map[string]bool
	dialed  []string
	removed []string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{fail: make(map[string]bool)}
}

func (f *fakeConnector) RequestConnection(endpoint, connectionID string) error {
	f.dialed = append(f.dialed, endpoint)
	if f.fail[endpoint] {
		return errFakeDial
	}
	return nil
}

func (f *fakeConnector) RemoveConnection(connectionID string) {
	f.removed = append(f.removed, connectionID)
}

func TestAddPeerEndpointFailover(t *testing.T) {
	conn := newFakeConnector()
	conn.fail["tcp://bad"] = true
	m := NewManager(conn, RefModeLoose, "local")
	defer m.Shutdown()

	events := m.Subscribe()

	ref, err := m.AddPeer("beta", []string{"tcp://bad", "tcp://good"})
	require.NoError(t, err)
	require.NotNil(t, ref)

	m.Notify(connmgr.Notification{
		Type:         connmgr.NotifyConnected,
		ConnectionID: mustGetConnID(t, m, "beta"),
		Endpoint:     "tcp://good",
		Identity:     nil,
	})

	select {
	case ev := <-events:
		require.Equal(t, EventConnected, ev.Type)
		require.Equal(t, "beta", ev.PeerID)
	case <-time.After(time.Second):
		t.Fatal("expected Connected event")
	}
}

func TestRemovePeerIdempotentInLooseMode(t *testing.T) {
	conn := newFakeConnector()
	m := NewManager(conn, RefModeLoose, "local")
	defer m.Shutdown()

	require.NoError(t, m.RemovePeer("nonexistent"))
	require.NoError(t, m.RemovePeer("nonexistent"))
}

func TestDecrementRefRemovesPeerAtZero(t *testing.T) {
	conn := newFakeConnector()
	m := NewManager(conn, RefModeLoose, "local")
	defer m.Shutdown()

	ref, err := m.AddPeer("gamma", []string{"tcp://x"})
	require.NoError(t, err)
	require.Contains(t, m.ListPeers(), "gamma")

	ref.Release()
	require.Eventually(t, func() bool {
		for _, id := range m.ListPeers() {
			if id == "gamma" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownIdempotent(t *testing.T) {
	m := NewManager(newFakeConnector(), RefModeLoose, "local")
	m.Shutdown()
	m.Shutdown()
}

func trustIdentity(id string) *auth.Identity {
	return &auth.Identity{Kind: auth.IdentityTrust, Trust: id}
}

// TestDuplicateConnectionSurvivorIsGreaterIdsOutbound exercises Scenario D
// (spec.md §8): node "b" dials node "a" at the same time "a"'s inbound
// connection to "b" lands here, on "b"'s Manager. Since "b" > "a", "b"'s
// own outbound connection must survive and "a"'s inbound must be torn
// down, regardless of which notification this Manager observes first.
func TestDuplicateConnectionSurvivorIsGreaterIdsOutbound(t *testing.T) {
	conn := newFakeConnector()
	m := NewManager(conn, RefModeLoose, "trust:b")
	defer m.Shutdown()

	events := m.Subscribe()

	_, err := m.AddPeer("trust:a", []string{"tcp://a"})
	require.NoError(t, err)
	outboundConnID := mustGetConnID(t, m, "trust:a")

	// "b"'s own outbound connection completes first.
	m.Notify(connmgr.Notification{
		Type:         connmgr.NotifyConnected,
		ConnectionID: outboundConnID,
		Endpoint:     "tcp://a",
		Identity:     trustIdentity("a"),
	})
	select {
	case ev := <-events:
		require.Equal(t, EventConnected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected Connected event for outbound connection")
	}

	// "a"'s concurrently-initiated inbound connection then lands on the
	// same peer. Since local ("b") > remote ("a"), the inbound loses.
	m.Notify(connmgr.Notification{
		Type:         connmgr.NotifyInboundConnection,
		ConnectionID: "conn-inbound",
		Endpoint:     "tcp://a",
		Identity:     trustIdentity("a"),
	})

	require.Eventually(t, func() bool {
		for _, removed := range conn.removed {
			if removed == "conn-inbound" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	require.NotContains(t, conn.removed, outboundConnID)

	connID, ok := m.GetConnectionId("trust:a")
	require.True(t, ok)
	require.Equal(t, outboundConnID, connID)
}

// TestDuplicateConnectionSurvivorIsRemotesOutbound is the mirror of the
// above: this Manager's local id ("a") loses to the remote's ("b"), so
// the remote's outbound — which lands here as an inbound connection —
// must survive, and this node's own outbound attempt must be torn down.
func TestDuplicateConnectionSurvivorIsRemotesOutbound(t *testing.T) {
	conn := newFakeConnector()
	m := NewManager(conn, RefModeLoose, "trust:a")
	defer m.Shutdown()

	events := m.Subscribe()

	_, err := m.AddPeer("trust:b", []string{"tcp://b"})
	require.NoError(t, err)
	outboundConnID := mustGetConnID(t, m, "trust:b")

	m.Notify(connmgr.Notification{
		Type:         connmgr.NotifyConnected,
		ConnectionID: outboundConnID,
		Endpoint:     "tcp://b",
		Identity:     trustIdentity("b"),
	})
	select {
	case ev := <-events:
		require.Equal(t, EventConnected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected Connected event for outbound connection")
	}

	m.Notify(connmgr.Notification{
		Type:         connmgr.NotifyInboundConnection,
		ConnectionID: "conn-inbound",
		Endpoint:     "tcp://b",
		Identity:     trustIdentity("b"),
	})

	require.Eventually(t, func() bool {
		for _, removed := range conn.removed {
			if removed == outboundConnID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	require.NotContains(t, conn.removed, "conn-inbound")

	connID, ok := m.GetConnectionId("trust:b")
	require.True(t, ok)
	require.Equal(t, "conn-inbound", connID)
}

// TestIdentityMismatchFromPendingDisconnects exercises Scenario E
// (spec.md §8): a peer is pre-allocated via AddPeer (status Pending, no
// connection yet), and the connection that eventually authorizes over
// that endpoint reports a different identity than expected. Both
// connections must be torn down and the peer must go back to Pending
// with a Disconnected notification — the mismatch check must not be
// gated on the peer already being StatusConnected.
func TestIdentityMismatchFromPendingDisconnects(t *testing.T) {
	conn := newFakeConnector()
	m := NewManager(conn, RefModeLoose, "trust:local")
	defer m.Shutdown()

	events := m.Subscribe()

	_, err := m.AddPeer("trust:expected", []string{"tcp://expected"})
	require.NoError(t, err)

	connID := mustGetConnID(t, m, "trust:expected")

	m.Notify(connmgr.Notification{
		Type:         connmgr.NotifyConnected,
		ConnectionID: connID,
		Endpoint:     "tcp://expected",
		Identity:     trustIdentity("other"),
	})

	select {
	case ev := <-events:
		require.Equal(t, EventDisconnected, ev.Type)
		require.Equal(t, "trust:expected", ev.PeerID)
	case <-time.After(time.Second):
		t.Fatal("expected Disconnected event on identity mismatch")
	}

	require.Eventually(t, func() bool {
		for _, removed := range conn.removed {
			if removed == connID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func mustGetConnID(t *testing.T, m *Manager, id string) string {
	t.Helper()
	connID, ok := m.GetConnectionId(id)
	require.True(t, ok)
	return connID
}
