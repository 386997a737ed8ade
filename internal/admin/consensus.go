package admin

import (
	"sync"

	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/logging"
)

// NetworkSender is the consensus engine's outbound channel to the rest
// of the mesh, grounded in original_source's ConsensusNetworkSender
// trait: send_to one peer, or broadcast to the circuit's other
// members.
type NetworkSender interface {
	SendTo(adminServiceID string, payload []byte) error
}

// pendingProposal mirrors original_source's
// pending_consensus_proposals map entry: (proposal, raw payload bytes),
// per spec.md §3's "Pending Consensus Proposal". The engine's pending
// map is keyed by circuit id, not by the SHA-256 proposal id.
type pendingProposal struct {
	proposal     *CircuitProposal
	payloadBytes []byte
	verifiers    map[string]bool // admin_service_id -> voted-yet
}

// engine is the two-phase-commit core of spec.md §4.3, translated from
// original_source's AdminProposalManager/AdminConsensusNetworkSender
// split (each driven by its own OS thread and channel pair) into
// plain methods called directly from the admin service's single
// mailbox goroutine -- there is no separate engine thread here. The
// NetworkSender role is a named interface; the proposal-manager role
// is the engine's own methods.
type engine struct {
	mu       sync.Mutex
	nodeID   string
	sender   NetworkSender
	pending  map[string]*pendingProposal
	events   *EventLog
}

func newEngine(nodeID string, sender NetworkSender, events *EventLog) *engine {
	return &engine{
		nodeID:  nodeID,
		sender:  sender,
		pending: make(map[string]*pendingProposal),
		events:  events,
	}
}

// createProposal inserts proposal into the pending map and broadcasts
// a ProposedCircuit announcement to every other member, per spec.md
// §4.3 step 3.
func (e *engine) createProposal(proposalID string, proposal *CircuitProposal, payloadBytes []byte, encodeAnnouncement func(*CircuitProposal) ([]byte, error)) error {
	e.mu.Lock()
	verifiers := make(map[string]bool, len(proposal.Circuit.Members))
	for _, m := range proposal.Circuit.Members {
		if m.NodeID == proposal.RequesterNodeID {
			// spec.md §3 invariant: "requester_node_id does not appear
			// in votes (its acceptance is implicit)".
			continue
		}
		verifiers[AdminServiceID(m.NodeID)] = false
	}
	e.pending[proposalID] = &pendingProposal{proposal: proposal, payloadBytes: payloadBytes, verifiers: verifiers}
	e.mu.Unlock()

	e.events.Append(Event{Type: EventProposalCreated, ManagementType: proposal.Circuit.ManagementType, Proposal: proposal})

	announcement, err := encodeAnnouncement(proposal)
	if err != nil {
		return errs.Internal(err, "encoding proposed-circuit announcement")
	}
	for _, m := range proposal.Circuit.Members {
		if m.NodeID == e.nodeID {
			continue
		}
		if err := e.sender.SendTo(AdminServiceID(m.NodeID), announcement); err != nil {
			// spec.md §4.3's failure semantics: a member-unreachable
			// condition does not abort the proposal; the underlying
			// peer manager retries connections on its own schedule.
			logging.AdminLog.Warnf("broadcasting proposal %s to %s: %v", proposalID, m.NodeID, err)
		}
	}
	return nil
}

// recordVote applies one member's CircuitProposalVote. When every
// non-requester member has voted Accept it returns accepted=true and
// the caller (service.go) performs the atomic commit; an explicit
// Reject returns rejected=true immediately, per spec.md §4.3's "an
// explicit Reject vote is the only terminal-failure path."
func (e *engine) recordVote(proposalID, adminServiceID string, vote VoteRecord) (accepted, rejected bool, proposal *CircuitProposal, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pp, ok := e.pending[proposalID]
	if !ok {
		return false, false, nil, errs.InvalidState("vote for unknown or already-resolved proposal %s", proposalID)
	}

	voted, known := pp.verifiers[adminServiceID]
	if !known {
		return false, false, nil, errs.InvalidState("vote from %s who is not a required verifier of proposal %s", adminServiceID, proposalID)
	}
	if voted {
		return false, false, nil, errs.InvalidState("duplicate vote from %s on proposal %s", adminServiceID, proposalID)
	}

	pp.proposal.Votes = append(pp.proposal.Votes, vote)

	if vote.Vote == VoteReject {
		delete(e.pending, proposalID)
		return false, true, pp.proposal, nil
	}

	pp.verifiers[adminServiceID] = true
	for _, v := range pp.verifiers {
		if !v {
			return false, false, pp.proposal, nil
		}
	}
	return true, false, pp.proposal, nil
}

// commit removes proposalID from the pending map after a successful
// accept_proposal; the admin service has already written the circuit
// to the store by the time this is called.
func (e *engine) commit(proposalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, proposalID)
}

// rollback removes proposalID from the pending map without committing
// anything, per spec.md §4.3's reject_proposal.
func (e *engine) rollback(proposalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, proposalID)
}

// adopt inserts a proposal a member learned about via a PROPOSED_CIRCUIT
// announcement, without re-broadcasting it -- the coordinator already
// did that.
func (e *engine) adopt(circuitID string, proposal *CircuitProposal, payloadBytes []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	verifiers := make(map[string]bool, len(proposal.Circuit.Members))
	for _, m := range proposal.Circuit.Members {
		if m.NodeID == proposal.RequesterNodeID {
			continue
		}
		verifiers[AdminServiceID(m.NodeID)] = false
	}
	e.pending[circuitID] = &pendingProposal{proposal: proposal, payloadBytes: payloadBytes, verifiers: verifiers}
}

// requiredVoterCount reports how many verifiers a pending proposal has
// in total (voted or not), used to auto-accept a proposal whose only
// member is its own requester.
func (e *engine) requiredVoterCount(proposalKey string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pp, ok := e.pending[proposalKey]
	if !ok {
		return 0, false
	}
	return len(pp.verifiers), true
}

func (e *engine) fetchPending(proposalID string) (*CircuitProposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pp, ok := e.pending[proposalID]
	if !ok {
		return nil, false
	}
	return pp.proposal, true
}

func (e *engine) listPending(filter CircuitFilter) []*CircuitProposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*CircuitProposal, 0, len(e.pending))
	for _, pp := range e.pending {
		if filter.matchesProposal(pp.proposal) {
			out = append(out, pp.proposal)
		}
	}
	return out
}
