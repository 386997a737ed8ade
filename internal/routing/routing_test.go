package routing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndLookupCircuit(t *testing.T) {
	table := New()
	table.AddCircuit("ABCDE-01234",
		[]Member{{NodeID: "alpha", Endpoints: []string{"tcp://a"}}, {NodeID: "beta", Endpoints: []string{"tcp://b"}}},
		[]Service{{ServiceID: "a000", NodeID: "alpha"}},
	)

	node, err := table.GetService("ABCDE-01234", "a000")
	require.NoError(t, err)
	require.Equal(t, "alpha", node)

	members, err := table.ListMembers("ABCDE-01234")
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestGetServiceUnknownCircuit(t *testing.T) {
	table := New()
	_, err := table.GetService("NOPE-00000", "a000")
	require.Error(t, err)
}

func TestRemoveCircuit(t *testing.T) {
	table := New()
	table.AddCircuit("ABCDE-01234", nil, nil)
	require.True(t, table.HasCircuit("ABCDE-01234"))
	table.RemoveCircuit("ABCDE-01234")
	require.False(t, table.HasCircuit("ABCDE-01234"))
	// idempotent
	table.RemoveCircuit("ABCDE-01234")
}

func TestSnapshotIsolation(t *testing.T) {
	table := New()
	table.AddCircuit("C1", []Member{{NodeID: "a"}}, nil)
	members, err := table.ListMembers("C1")
	require.NoError(t, err)

	table.AddCircuit("C1", []Member{{NodeID: "a"}, {NodeID: "b"}}, nil)

	// the slice returned before the mutation must not observe it.
	require.Len(t, members, 1)
}
