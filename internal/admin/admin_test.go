package admin

import (
	"crypto/sha512"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/internal/node"
	"github.com/circuitmesh/circuitd/internal/registry"
	"github.com/circuitmesh/circuitd/internal/routing"
)

// memStore is an in-memory Store used only by tests; the real backends
// live under internal/store.
type memStore struct {
	mu       sync.Mutex
	circuits map[string]*Circuit
}

func newMemStore() *memStore { return &memStore{circuits: make(map[string]*Circuit)} }

func (m *memStore) PutCircuit(c *Circuit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.circuits[c.CircuitID] = &cp
	return nil
}

func (m *memStore) GetCircuit(id string) (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[id]
	if !ok {
		return nil, errCircuitNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) RemoveCircuit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.circuits, id)
	return nil
}

func (m *memStore) ListCircuits(filter CircuitFilter) ([]*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Circuit
	for _, c := range m.circuits {
		if filter.matchesCircuit(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CircuitExists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.circuits[id]
	return ok, nil
}

// network wires a fixed set of admin services together in-process,
// standing in for the mesh/dispatch stack a real deployment would use
// to carry admin messages between nodes.
type network struct {
	mu       sync.Mutex
	services map[string]*Service
}

func newNetwork() *network { return &network{services: make(map[string]*Service)} }

func (n *network) register(adminServiceID string, s *Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[adminServiceID] = s
}

// SendTo hands payload off asynchronously, the way a real socket write
// would: the caller's own mailbox goroutine must not block waiting on
// the recipient, since the recipient's processing of this message may
// itself call back into the sender (e.g. a vote forwarded to the
// coordinator, whose eventual commit broadcast is sent right back).
func (n *network) SendTo(adminServiceID string, payload []byte) error {
	n.mu.Lock()
	target, ok := n.services[adminServiceID]
	n.mu.Unlock()
	if !ok {
		return errCircuitNotFound(adminServiceID)
	}
	go target.Deliver(payload)
	return nil
}

type testNode struct {
	id       string
	key      *btcec.PrivateKey
	endpoint string
	store    *memStore
	service  *Service
}

func setupCluster(t *testing.T, nodeIDs []string) (map[string]*testNode, *registry.Registry) {
	t.Helper()
	net := newNetwork()
	reg := registry.New(nodeIDs[0])
	nodes := make(map[string]*testNode, len(nodeIDs))

	for _, id := range nodeIDs {
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		n := node.Node{ID: id, Endpoints: []string{"inproc://" + id}, PublicKeys: [][]byte{key.PubKey().SerializeCompressed()}}
		reg.Register(n)
		nodes[id] = &testNode{id: id, key: key, endpoint: n.Endpoints[0], store: newMemStore()}
	}
	for _, id := range nodeIDs {
		tn := nodes[id]
		tn.service = NewService(id, tn.store, reg, routing.New(), net)
		net.register(AdminServiceID(id), tn.service)
	}
	return nodes, reg
}

func signPayload(t *testing.T, key *btcec.PrivateKey, action ActionType, requesterNodeID, circuitID string, create *ProposedCircuit, vote *VoteRecord) []byte {
	t.Helper()
	payload := &CircuitManagementPayload{
		Header: PayloadHeader{
			Action:          action,
			Requester:       key.PubKey().SerializeCompressed(),
			RequesterNodeID: requesterNodeID,
		},
		CircuitID:     circuitID,
		CreateRequest: create,
		Vote:          vote,
	}

	actionBytes, err := ActionBytes(payload)
	require.NoError(t, err)
	sum := sha512.Sum512(actionBytes)
	payload.Header.PayloadSHA512 = sum[:]

	headerBytes, err := EncodePayload(&CircuitManagementPayload{Header: payload.Header})
	require.NoError(t, err)
	payload.HeaderBytes = headerBytes

	digest := chainhash.DoubleHashB(headerBytes)
	sig := ecdsa.Sign(key, digest)
	payload.Signature = sig.Serialize()

	raw, err := EncodePayload(payload)
	require.NoError(t, err)
	return raw
}

func signVote(t *testing.T, key *btcec.PrivateKey, voterNodeID, circuitID string, value VoteValue) []byte {
	t.Helper()
	vote := &VoteRecord{PublicKey: key.PubKey().SerializeCompressed(), Vote: value, VoterNodeID: voterNodeID}
	return signPayload(t, key, ActionCircuitProposalVote, voterNodeID, circuitID, nil, vote)
}

func signCreate(t *testing.T, key *btcec.PrivateKey, requesterNodeID string, circuit *ProposedCircuit) []byte {
	t.Helper()
	return signPayload(t, key, ActionCircuitCreateRequest, requesterNodeID, circuit.CircuitID, circuit, nil)
}

func signDisband(t *testing.T, key *btcec.PrivateKey, requesterNodeID, circuitID string) []byte {
	t.Helper()
	return signPayload(t, key, ActionCircuitDisbandRequest, requesterNodeID, circuitID, nil, nil)
}

func signPurge(t *testing.T, key *btcec.PrivateKey, requesterNodeID, circuitID string) []byte {
	t.Helper()
	return signPayload(t, key, ActionCircuitPurgeRequest, requesterNodeID, circuitID, nil, nil)
}

func TestScenarioA_TwoPartyTrustCreate(t *testing.T) {
	nodes, _ := setupCluster(t, []string{"alpha", "beta"})
	alpha, beta := nodes["alpha"], nodes["beta"]

	circuit := &ProposedCircuit{
		CircuitID: "ABCDE-01234",
		Roster:    []ProposedService{{ServiceID: "a000", ServiceType: "scabbard", NodeID: "alpha"}},
		Members: []ProposedNode{
			{NodeID: "alpha", Endpoints: []string{alpha.endpoint}},
			{NodeID: "beta", Endpoints: []string{beta.endpoint}},
		},
		AuthorizationType: AuthorizationTrust,
		ManagementType:    "test-mgmt",
	}

	raw := signCreate(t, alpha.key, "alpha", circuit)
	require.NoError(t, alpha.service.SubmitPayload(raw))

	// beta adopts the proposal as pending once the PROPOSED_CIRCUIT
	// broadcast is delivered, which happens on its own goroutine.
	require.Eventually(t, func() bool {
		_, ok := beta.service.FetchProposal(circuit.CircuitID)
		return ok
	}, time.Second, time.Millisecond)

	voteRaw := signVote(t, beta.key, "beta", circuit.CircuitID, VoteAccept)
	require.NoError(t, beta.service.SubmitPayload(voteRaw))

	for _, tn := range nodes {
		require.Eventually(t, func() bool {
			got, err := tn.service.FetchCircuit(circuit.CircuitID)
			return err == nil && got.Status == CircuitActive
		}, time.Second, time.Millisecond, "node %s never committed the circuit", tn.id)
	}

	alphaEvents := alpha.service.SubscribeEvents(0, "")
	var types []EventType
	for {
		ev, ok := alphaEvents.Next()
		if !ok {
			break
		}
		types = append(types, ev.Type)
	}
	require.Contains(t, types, EventProposalSubmitted)
	require.Contains(t, types, EventProposalAccepted)
	require.Contains(t, types, EventCircuitReady)
}

func TestScenarioB_ThreePartyReject(t *testing.T) {
	nodes, _ := setupCluster(t, []string{"a", "b", "c"})
	a, b, c := nodes["a"], nodes["b"], nodes["c"]

	circuit := &ProposedCircuit{
		CircuitID: "XYZ00-00000",
		Members: []ProposedNode{
			{NodeID: "a", Endpoints: []string{a.endpoint}},
			{NodeID: "b", Endpoints: []string{b.endpoint}},
			{NodeID: "c", Endpoints: []string{c.endpoint}},
		},
		AuthorizationType: AuthorizationTrust,
		ManagementType:    "test-mgmt",
	}

	raw := signCreate(t, a.key, "a", circuit)
	require.NoError(t, a.service.SubmitPayload(raw))

	require.Eventually(t, func() bool {
		_, ok := b.service.FetchProposal(circuit.CircuitID)
		return ok
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := c.service.FetchProposal(circuit.CircuitID)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, b.service.SubmitPayload(signVote(t, b.key, "b", circuit.CircuitID, VoteAccept)))
	require.NoError(t, c.service.SubmitPayload(signVote(t, c.key, "c", circuit.CircuitID, VoteReject)))

	for _, tn := range nodes {
		require.Eventually(t, func() bool {
			return len(tn.service.ListProposals(CircuitFilter{})) == 0
		}, time.Second, time.Millisecond, "node %s should end with no pending proposals", tn.id)
		exists, err := tn.store.CircuitExists(circuit.CircuitID)
		require.NoError(t, err)
		require.False(t, exists, "node %s should not have committed the circuit", tn.id)
	}
}

func TestScenarioF_DisbandThenPurge(t *testing.T) {
	nodes, _ := setupCluster(t, []string{"alpha", "beta"})
	alpha, beta := nodes["alpha"], nodes["beta"]

	circuit := &ProposedCircuit{
		CircuitID: "ABCDE-01234",
		Roster:    []ProposedService{{ServiceID: "a000", ServiceType: "scabbard", NodeID: "alpha"}},
		Members: []ProposedNode{
			{NodeID: "alpha", Endpoints: []string{alpha.endpoint}},
			{NodeID: "beta", Endpoints: []string{beta.endpoint}},
		},
		AuthorizationType: AuthorizationTrust,
		ManagementType:    "test-mgmt",
	}
	require.NoError(t, alpha.service.SubmitPayload(signCreate(t, alpha.key, "alpha", circuit)))
	require.Eventually(t, func() bool {
		_, ok := beta.service.FetchProposal(circuit.CircuitID)
		return ok
	}, time.Second, time.Millisecond)
	require.NoError(t, beta.service.SubmitPayload(signVote(t, beta.key, "beta", circuit.CircuitID, VoteAccept)))
	for _, tn := range nodes {
		require.Eventually(t, func() bool {
			got, err := tn.service.FetchCircuit(circuit.CircuitID)
			return err == nil && got.Status == CircuitActive
		}, time.Second, time.Millisecond, "node %s never committed the circuit", tn.id)
	}

	require.NoError(t, alpha.service.SubmitPayload(signDisband(t, alpha.key, "alpha", circuit.CircuitID)))
	require.Eventually(t, func() bool {
		_, ok := beta.service.FetchProposal(circuit.CircuitID)
		return ok
	}, time.Second, time.Millisecond)
	require.NoError(t, beta.service.SubmitPayload(signVote(t, beta.key, "beta", circuit.CircuitID, VoteAccept)))

	for _, tn := range nodes {
		require.Eventually(t, func() bool {
			got, err := tn.service.FetchCircuit(circuit.CircuitID)
			return err == nil && got.Status == CircuitDisbanded
		}, time.Second, time.Millisecond, "node %s never disbanded the circuit", tn.id)
	}

	require.NoError(t, alpha.service.SubmitPayload(signPurge(t, alpha.key, "alpha", circuit.CircuitID)))
	_, err := alpha.service.FetchCircuit(circuit.CircuitID)
	require.Error(t, err)
}

func TestCoordinatorIsLexicographicallySmallestAdminServiceID(t *testing.T) {
	members := []ProposedNode{{NodeID: "zulu"}, {NodeID: "alpha"}, {NodeID: "mike"}}
	require.Equal(t, "alpha", Coordinator(members))
}

func TestVerifyEnvelopeRejectsTamperedHeaderDigest(t *testing.T) {
	nodes, reg := setupCluster(t, []string{"alpha", "beta"})
	alpha := nodes["alpha"]

	payload := &CircuitManagementPayload{
		Header: PayloadHeader{
			Action:          ActionCircuitProposalVote,
			Requester:       alpha.key.PubKey().SerializeCompressed(),
			RequesterNodeID: "alpha",
		},
		CircuitID: "ABCDE-01234",
		Vote:      &VoteRecord{VoterNodeID: "alpha", Vote: VoteAccept},
	}
	actionBytes, err := ActionBytes(payload)
	require.NoError(t, err)
	sum := sha512.Sum512(actionBytes)
	payload.Header.PayloadSHA512 = sum[:]
	headerBytes, err := EncodePayload(&CircuitManagementPayload{Header: payload.Header})
	require.NoError(t, err)
	payload.HeaderBytes = headerBytes
	digest := chainhash.DoubleHashB(headerBytes)
	sig := ecdsa.Sign(alpha.key, digest)
	payload.Signature = sig.Serialize()

	// tamper with the header's payload digest after signing
	payload.Header.PayloadSHA512[0] ^= 0xFF

	err = VerifyEnvelope(payload, actionBytes, []string{"alpha", "beta"}, reg)
	require.Error(t, err)
}

func TestEventLogSinceFiltersByWatermarkAndManagementType(t *testing.T) {
	log := NewEventLog()
	log.Append(Event{ManagementType: "mgmt-a"})
	second := log.Append(Event{ManagementType: "mgmt-b"})
	log.Append(Event{ManagementType: "mgmt-a"})

	all := log.Since(0, "")
	require.Len(t, all, 3)

	onlyA := log.Since(0, "mgmt-a")
	require.Len(t, onlyA, 2)

	afterSecond := log.Since(second.Index, "")
	require.Len(t, afterSecond, 1)

	it := NewEventIterator(all)
	require.Equal(t, 3, it.Len())
	_, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, 2, it.Len())
}

// errCircuitNotFound is a tiny local helper so this file doesn't need
// to import internal/errs just for a handful of not-found returns in
// the fake store/network.
func errCircuitNotFound(id string) error {
	return notFoundErr{id: id}
}

type notFoundErr struct{ id string }

func (e notFoundErr) Error() string { return "not found: " + e.id }
