package registry

import (
	"testing"

	"github.com/circuitmesh/circuitd/internal/node"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New("alpha")
	r.Register(node.Node{ID: "beta", Endpoints: []string{"tcp://beta"}, PublicKeys: [][]byte{{0x01}}})

	require.True(t, r.Exists("beta"))
	require.False(t, r.Exists("gamma"))
	require.True(t, r.HasPublicKey("beta", []byte{0x01}))
	require.False(t, r.HasPublicKey("beta", []byte{0x02}))

	n, err := r.Lookup("beta")
	require.NoError(t, err)
	require.Equal(t, "beta", n.ID)

	require.Equal(t, "alpha", r.Primary())
}

func TestLookupUnknown(t *testing.T) {
	r := New("alpha")
	_, err := r.Lookup("nobody")
	require.Error(t, err)
}
