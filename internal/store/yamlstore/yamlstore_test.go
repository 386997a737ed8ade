package yamlstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/circuitmesh/circuitd/internal/admin"
)

func sampleCircuit(id string) *admin.Circuit {
	return &admin.Circuit{
		CircuitID: id,
		Roster: []admin.CircuitService{
			{ServiceID: "svc-a", ServiceType: "echo", NodeID: "alpha", Arguments: []admin.KeyValue{{Key: "k", Value: "v"}}},
		},
		Members: []admin.ProposedNode{
			{NodeID: "alpha", Endpoints: []string{"tcp://alpha:8080"}},
			{NodeID: "beta", Endpoints: []string{"tcp://beta:8080"}},
		},
		AuthorizationType: admin.AuthorizationChallenge,
		ManagementType:    "test-mgmt",
		Status:            admin.CircuitActive,
	}
}

func TestOpenInitializesBothFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NotNil(t, s)

	require.FileExists(t, filepath.Join(dir, "circuits.yaml"))
	require.FileExists(t, filepath.Join(dir, "circuit_proposals.yaml"))
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := sampleCircuit("circuit-1")
	require.NoError(t, s.PutCircuit(c))

	got, err := s.GetCircuit("circuit-1")
	require.NoError(t, err)
	require.Equal(t, c.CircuitID, got.CircuitID)
	require.Equal(t, c.AuthorizationType, got.AuthorizationType)
	require.Len(t, got.Roster, 1)
	require.Equal(t, "v", got.Roster[0].Arguments[0].Value)
}

func TestPutIsUpsert(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := sampleCircuit("circuit-1")
	require.NoError(t, s.PutCircuit(c))

	c.Status = admin.CircuitAbandoned
	require.NoError(t, s.PutCircuit(c))

	got, err := s.GetCircuit("circuit-1")
	require.NoError(t, err)
	require.Equal(t, admin.CircuitAbandoned, got.Status)
}

func TestRemoveCircuit(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.PutCircuit(sampleCircuit("circuit-1")))
	require.NoError(t, s.RemoveCircuit("circuit-1"))

	_, err = s.GetCircuit("circuit-1")
	require.Error(t, err)

	require.Error(t, s.RemoveCircuit("circuit-1"))
}

func TestListCircuitsFilter(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	a := sampleCircuit("circuit-a")
	require.NoError(t, s.PutCircuit(a))

	b := sampleCircuit("circuit-b")
	b.ManagementType = "other"
	require.NoError(t, s.PutCircuit(b))

	matched, err := s.ListCircuits(admin.CircuitFilter{ManagementType: "test-mgmt"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "circuit-a", matched[0].CircuitID)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.PutCircuit(sampleCircuit("circuit-1")))

	s2, err := Open(dir)
	require.NoError(t, err)

	got, err := s2.GetCircuit("circuit-1")
	require.NoError(t, err)
	require.Equal(t, "circuit-1", got.CircuitID)
}

func TestOpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()

	future := map[string]interface{}{
		"schema_version": schemaVersion + 1,
		"circuits":       []interface{}{},
	}
	b, err := yaml.Marshal(future)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "circuits.yaml"), b, 0o600))

	_, err = Open(dir)
	require.Error(t, err)
}
