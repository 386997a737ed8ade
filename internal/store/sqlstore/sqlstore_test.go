package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/internal/admin"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "circuits.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func sampleCircuit(id string) *admin.Circuit {
	return &admin.Circuit{
		CircuitID: id,
		Roster: []admin.CircuitService{
			{ServiceID: "svc-a", ServiceType: "echo", NodeID: "alpha"},
		},
		Members: []admin.ProposedNode{
			{NodeID: "alpha", Endpoints: []string{"tcp://alpha:8080"}},
			{NodeID: "beta", Endpoints: []string{"tcp://beta:8080"}},
		},
		AuthorizationType: admin.AuthorizationTrust,
		ManagementType:    "test-mgmt",
		Status:            admin.CircuitActive,
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	c := sampleCircuit("circuit-1")
	require.NoError(t, s.PutCircuit(c))

	got, err := s.GetCircuit("circuit-1")
	require.NoError(t, err)
	require.Equal(t, c.CircuitID, got.CircuitID)
	require.Equal(t, c.ManagementType, got.ManagementType)
	require.Len(t, got.Roster, 1)
	require.Len(t, got.Members, 2)
}

func TestStorePutIsUpsert(t *testing.T) {
	s := newTestStore(t)
	c := sampleCircuit("circuit-1")
	require.NoError(t, s.PutCircuit(c))

	c.Status = admin.CircuitDisbanded
	require.NoError(t, s.PutCircuit(c))

	got, err := s.GetCircuit("circuit-1")
	require.NoError(t, err)
	require.Equal(t, admin.CircuitDisbanded, got.Status)
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCircuit("does-not-exist")
	require.Error(t, err)
}

func TestStoreCircuitExists(t *testing.T) {
	s := newTestStore(t)
	exists, err := s.CircuitExists("circuit-1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.PutCircuit(sampleCircuit("circuit-1")))

	exists, err = s.CircuitExists("circuit-1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStoreRemoveCircuit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutCircuit(sampleCircuit("circuit-1")))
	require.NoError(t, s.RemoveCircuit("circuit-1"))

	_, err := s.GetCircuit("circuit-1")
	require.Error(t, err)

	require.Error(t, s.RemoveCircuit("circuit-1"))
}

func TestStoreListCircuitsFiltersByManagementTypeAndMember(t *testing.T) {
	s := newTestStore(t)

	a := sampleCircuit("circuit-a")
	a.ManagementType = "billing"
	require.NoError(t, s.PutCircuit(a))

	b := sampleCircuit("circuit-b")
	b.ManagementType = "billing"
	b.Members = []admin.ProposedNode{{NodeID: "gamma"}}
	require.NoError(t, s.PutCircuit(b))

	c := sampleCircuit("circuit-c")
	c.ManagementType = "logging"
	require.NoError(t, s.PutCircuit(c))

	billing, err := s.ListCircuits(admin.CircuitFilter{ManagementType: "billing"})
	require.NoError(t, err)
	require.Len(t, billing, 2)

	withAlpha, err := s.ListCircuits(admin.CircuitFilter{ManagementType: "billing", MemberNodeID: "alpha"})
	require.NoError(t, err)
	require.Len(t, withAlpha, 1)
	require.Equal(t, "circuit-a", withAlpha[0].CircuitID)
}

func TestStoreReopenPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "circuits.db")

	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.PutCircuit(sampleCircuit("circuit-1")))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetCircuit("circuit-1")
	require.NoError(t, err)
	require.Equal(t, "circuit-1", got.CircuitID)
}
