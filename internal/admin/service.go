package admin

import (
	"encoding/json"

	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/circuitmesh/circuitd/internal/ids"
	"github.com/circuitmesh/circuitd/internal/logging"
	"github.com/circuitmesh/circuitd/internal/metrics"
	"github.com/circuitmesh/circuitd/internal/registry"
	"github.com/circuitmesh/circuitd/internal/routing"
)

// command is the mailbox unit every state-mutating operation runs as,
// matching the command-pattern already used by internal/peer.Manager:
// a single goroutine owns proposal/circuit state, so the engine, the
// store, and the routing table are never touched from two goroutines
// at once.
type command interface {
	execute(s *Service)
}

// Service is the per-node admin service of spec.md §4.3. One
// goroutine (run) drains the mailbox; every other exported mutator
// blocks on a reply channel, while read-only lookups go straight to
// the store/engine/event log, each already safe for concurrent use on
// their own.
type Service struct {
	nodeID   string
	store    Store
	registry *registry.Registry
	routes   *routing.Table
	events   *EventLog
	engine   *engine

	mailbox chan command
	quit    chan struct{}
	done    chan struct{}

	metrics *metrics.Registry
}

// NewService starts a new admin service. sender is the admin
// service's outbound channel to other nodes' admin services --
// typically a thin adapter over the mesh/dispatch stack that wraps
// payloads in a wireproto CIRCUIT/CONSENSUS_MESSAGE envelope.
func NewService(nodeID string, store Store, reg *registry.Registry, routes *routing.Table, sender NetworkSender) *Service {
	events := NewEventLog()
	s := &Service{
		nodeID:   nodeID,
		store:    store,
		registry: reg,
		routes:   routes,
		events:   events,
		mailbox:  make(chan command, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.engine = newEngine(nodeID, sender, events)
	go s.run()
	return s
}

type setMetricsCmd struct {
	reg   *metrics.Registry
	reply chan error
}

func (c setMetricsCmd) execute(s *Service) {
	s.metrics = c.reg
	c.reply <- nil
}

// SetMetrics attaches reg for this Service to report proposal and
// circuit counts through. Optional: a Service with no Registry
// attached simply skips every metrics update.
func (s *Service) SetMetrics(reg *metrics.Registry) error {
	reply := make(chan error, 1)
	return s.submit(setMetricsCmd{reg: reg, reply: reply}, reply)
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.mailbox:
			cmd.execute(s)
		case <-s.quit:
			return
		}
	}
}

// Shutdown signals the mailbox goroutine to exit and waits for it.
// Idempotent, per spec.md §5's signal_shutdown contract.
func (s *Service) Shutdown() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
}

func (s *Service) submit(cmd command, reply chan error) error {
	select {
	case s.mailbox <- cmd:
	case <-s.quit:
		return errs.Unavailable("admin service %s is shut down", s.nodeID)
	}
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return errs.Unavailable("admin service %s is shut down", s.nodeID)
	}
}

// SubmitPayload accepts a signed CircuitManagementPayload, the CLI/REST
// entry point for spec.md §4.3's submit_payload.
func (s *Service) SubmitPayload(raw []byte) error {
	reply := make(chan error, 1)
	return s.submit(submitPayloadCmd{raw: raw, reply: reply}, reply)
}

// Deliver accepts a message this node's admin service received from
// another node's admin service -- a forwarded payload, a proposed-
// circuit announcement, or a consensus commit/abort/abandon notice --
// and routes it to the matching internal handler. Whatever wires this
// service's NetworkSender is expected to pass every inbound admin
// message straight to Deliver without inspecting it first; the
// routing tag is added by this package's own outbound calls.
func (s *Service) Deliver(raw []byte) error {
	kind, body, err := unwrapWire(raw)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	switch kind {
	case wireKindSubmit:
		return s.submit(submitPayloadCmd{raw: body, reply: reply}, reply)
	case wireKindProposed:
		return s.submit(proposedCircuitCmd{raw: body, reply: reply}, reply)
	case wireKindConsensus:
		return s.submit(consensusCmd{raw: body, reply: reply}, reply)
	default:
		return errs.InvalidArgument("admin message: unrecognized wire kind %d", kind)
	}
}

// DeliverProposedCircuit handles a wireproto ProposedCircuitMsg's
// payload bytes -- the adapter wiring this service to the mesh decodes
// the outer CIRCUIT envelope and CircuitMessageType tag itself, so it
// never needs to know about this package's own wire-kind byte.
func (s *Service) DeliverProposedCircuit(payloadBytes []byte) error {
	return s.Deliver(wrapWire(wireKindProposed, payloadBytes))
}

// DeliverConsensusMessage handles a wireproto ConsensusMessageMsg's
// payload bytes.
func (s *Service) DeliverConsensusMessage(payloadBytes []byte) error {
	return s.Deliver(wrapWire(wireKindConsensus, payloadBytes))
}

// DeliverAdminDirect handles a wireproto AdminDirectMessageMsg's
// payload bytes -- a forwarded CircuitManagementPayload addressed to
// this node because it is the proposal's coordinator.
func (s *Service) DeliverAdminDirect(payloadBytes []byte) error {
	return s.Deliver(wrapWire(wireKindSubmit, payloadBytes))
}

// FetchProposal returns the pending proposal for circuitID, if any.
func (s *Service) FetchProposal(circuitID string) (*CircuitProposal, bool) {
	return s.engine.fetchPending(circuitID)
}

// ListProposals returns every pending proposal matching filter.
func (s *Service) ListProposals(filter CircuitFilter) []*CircuitProposal {
	return s.engine.listPending(filter)
}

// FetchCircuit returns the committed circuit record by id.
func (s *Service) FetchCircuit(circuitID string) (*Circuit, error) {
	return s.store.GetCircuit(circuitID)
}

// ListCircuits returns every committed circuit matching filter.
func (s *Service) ListCircuits(filter CircuitFilter) ([]*Circuit, error) {
	return s.store.ListCircuits(filter)
}

// SubscribeEvents returns every event with index strictly greater than
// watermark, optionally filtered by managementType, per spec.md
// §4.3's subscribe_events.
func (s *Service) SubscribeEvents(watermark uint64, managementType string) *EventIterator {
	return NewEventIterator(s.events.Since(watermark, managementType))
}

// --- mailbox commands ---

type submitPayloadCmd struct {
	raw   []byte
	reply chan error
}

func (c submitPayloadCmd) execute(s *Service) {
	c.reply <- s.dispatchPayload(c.raw)
}

func (s *Service) dispatchPayload(raw []byte) error {
	payload, err := DecodePayload(raw)
	if err != nil {
		return err
	}
	actionBytes, err := ActionBytes(payload)
	if err != nil {
		return err
	}
	switch payload.Header.Action {
	case ActionCircuitCreateRequest:
		return s.handleCreateRequest(payload, raw, actionBytes)
	case ActionCircuitProposalVote:
		return s.handleVote(payload, raw, actionBytes)
	case ActionCircuitDisbandRequest:
		return s.handleDisbandRequest(payload, raw, actionBytes)
	case ActionCircuitPurgeRequest:
		return s.handlePurgeRequest(payload, actionBytes)
	case ActionCircuitAbandon:
		return s.handleAbandon(payload, actionBytes)
	default:
		return errs.InvalidArgument("payload: unrecognized action %d", payload.Header.Action)
	}
}

type proposedCircuitCmd struct {
	raw   []byte
	reply chan error
}

func (c proposedCircuitCmd) execute(s *Service) {
	c.reply <- s.handleProposedCircuit(c.raw)
}

type consensusCmd struct {
	raw   []byte
	reply chan error
}

func (c consensusCmd) execute(s *Service) {
	c.reply <- s.handleConsensusMessage(c.raw)
}

// --- create / vote / disband / purge / abandon ---

func (s *Service) handleCreateRequest(payload *CircuitManagementPayload, raw, actionBytes []byte) error {
	cr := payload.CreateRequest
	if cr == nil {
		return errs.InvalidArgument("payload: CircuitCreateRequest action missing its circuit")
	}
	if !ids.ValidCircuitID(cr.CircuitID) {
		return errs.InvalidArgument("payload: %q is not a valid circuit id", cr.CircuitID)
	}

	coordinator := Coordinator(cr.Members)
	if coordinator != s.nodeID {
		return s.forwardToCoordinator(coordinator, raw)
	}

	if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(cr.Members), s.registry); err != nil {
		return err
	}

	exists, err := s.store.CircuitExists(cr.CircuitID)
	if err != nil {
		return err
	}
	if exists {
		return errs.Constraint(errs.ViolationUnique, "circuit %s already exists", cr.CircuitID)
	}
	if _, pending := s.engine.fetchPending(cr.CircuitID); pending {
		return errs.Constraint(errs.ViolationUnique, "circuit %s already has a pending proposal", cr.CircuitID)
	}
	for _, m := range cr.Members {
		if !s.registry.Exists(m.NodeID) {
			return errs.InvalidArgument("member %s is not a known node with advertised endpoints", m.NodeID)
		}
	}
	for _, svc := range cr.Roster {
		if !ids.ValidServiceID(svc.ServiceID) {
			return errs.InvalidArgument("service id %q is invalid", svc.ServiceID)
		}
		if !s.registry.Exists(svc.NodeID) {
			return errs.InvalidArgument("service %s references unknown node %s", svc.ServiceID, svc.NodeID)
		}
	}

	circuitHash, err := CircuitHash(*cr)
	if err != nil {
		return err
	}
	proposal := &CircuitProposal{
		ProposalType:    ProposalCreate,
		ProposalID:      ProposalID(raw),
		CircuitHash:     circuitHash,
		Circuit:         *cr,
		Requester:       payload.Header.Requester,
		RequesterNodeID: payload.Header.RequesterNodeID,
	}
	s.events.Append(Event{Type: EventProposalSubmitted, ManagementType: cr.ManagementType, Proposal: proposal, Requester: payload.Header.RequesterNodeID})

	announcement := func(*CircuitProposal) ([]byte, error) { return wrapWire(wireKindProposed, raw), nil }
	if err := s.engine.createProposal(cr.CircuitID, proposal, raw, announcement); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ProposalsSubmitted.Inc()
	}
	return s.maybeAutoAccept(cr.CircuitID)
}

func (s *Service) handleProposedCircuit(raw []byte) error {
	payload, err := DecodePayload(raw)
	if err != nil {
		return err
	}
	actionBytes, err := ActionBytes(payload)
	if err != nil {
		return err
	}

	switch payload.Header.Action {
	case ActionCircuitCreateRequest:
		cr := payload.CreateRequest
		if cr == nil {
			return errs.InvalidArgument("proposed circuit announcement missing its circuit")
		}
		if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(cr.Members), s.registry); err != nil {
			s.events.Append(Event{Type: EventProposalInvalid, ManagementType: cr.ManagementType})
			return err
		}
		circuitHash, err := CircuitHash(*cr)
		if err != nil {
			return err
		}
		proposal := &CircuitProposal{
			ProposalType:    ProposalCreate,
			ProposalID:      ProposalID(raw),
			CircuitHash:     circuitHash,
			Circuit:         *cr,
			Requester:       payload.Header.Requester,
			RequesterNodeID: payload.Header.RequesterNodeID,
		}
		s.engine.adopt(cr.CircuitID, proposal, raw)
		s.events.Append(Event{Type: EventProposalValid, Proposal: proposal, ManagementType: cr.ManagementType})
		return nil
	case ActionCircuitDisbandRequest:
		circuit, err := s.store.GetCircuit(payload.CircuitID)
		if err != nil {
			return err
		}
		if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(circuit.Members), s.registry); err != nil {
			s.events.Append(Event{Type: EventProposalInvalid, ManagementType: circuit.ManagementType})
			return err
		}
		proposedCircuit := proposedFromCircuit(*circuit)
		circuitHash, err := CircuitHash(proposedCircuit)
		if err != nil {
			return err
		}
		proposal := &CircuitProposal{
			ProposalType:    ProposalDestroy,
			ProposalID:      ProposalID(raw),
			CircuitHash:     circuitHash,
			Circuit:         proposedCircuit,
			Requester:       payload.Header.Requester,
			RequesterNodeID: payload.Header.RequesterNodeID,
		}
		s.engine.adopt(circuit.CircuitID, proposal, raw)
		s.events.Append(Event{Type: EventProposalValid, Proposal: proposal, ManagementType: circuit.ManagementType})
		return nil
	default:
		return errs.InvalidArgument("proposed circuit announcement carries unsupported action %d", payload.Header.Action)
	}
}

func (s *Service) handleVote(payload *CircuitManagementPayload, raw, actionBytes []byte) error {
	v := payload.Vote
	if v == nil {
		return errs.InvalidArgument("payload: CircuitProposalVote action missing its vote")
	}
	circuitID := payload.CircuitID

	proposal, ok := s.engine.fetchPending(circuitID)
	if !ok {
		return errs.InvalidState("vote for unknown or already-resolved proposal on circuit %s", circuitID)
	}

	coordinator := Coordinator(proposal.Circuit.Members)
	if coordinator != s.nodeID {
		return s.forwardToCoordinator(coordinator, raw)
	}

	if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(proposal.Circuit.Members), s.registry); err != nil {
		return err
	}

	accepted, rejected, prop, err := s.engine.recordVote(circuitID, ids.AdminServiceID(v.VoterNodeID), *v)
	if err != nil {
		return err
	}
	switch {
	case rejected:
		return s.finalizeReject(circuitID, prop)
	case accepted:
		return s.finalizeAccept(circuitID, prop)
	default:
		return nil
	}
}

func (s *Service) handleConsensusMessage(raw []byte) error {
	env, err := decodeConsensusEnvelope(raw)
	if err != nil {
		return err
	}
	circuitID := env.CircuitID
	switch env.Kind {
	case consensusCommit:
		var circuit Circuit
		if err := json.Unmarshal(env.CircuitRaw, &circuit); err != nil {
			return errs.InvalidArgument("consensus commit: malformed circuit: %v", err)
		}
		if err := s.store.PutCircuit(&circuit); err != nil {
			return err
		}
		if circuit.Status == CircuitDisbanded {
			s.routes.RemoveCircuit(circuit.CircuitID)
			s.events.Append(Event{Type: EventCircuitDisbanded, Circuit: &circuit, ManagementType: circuit.ManagementType})
		} else {
			s.routes.AddCircuit(circuit.CircuitID, toRoutingMembers(circuit.Members), toRoutingServices(circuit.Roster))
			s.events.Append(Event{Type: EventCircuitReady, Circuit: &circuit, ManagementType: circuit.ManagementType})
		}
		s.engine.commit(circuitID)
		return nil
	case consensusAbort:
		if prop, ok := s.engine.fetchPending(circuitID); ok {
			s.events.Append(Event{Type: EventProposalRejected, Proposal: prop, ManagementType: prop.Circuit.ManagementType})
		}
		s.engine.rollback(circuitID)
		return nil
	case consensusAbandoned:
		circuit, err := s.store.GetCircuit(circuitID)
		if err != nil {
			logging.AdminLog.Warnf("abandon notice for unknown circuit %s", circuitID)
			return nil
		}
		circuit.Status = CircuitAbandoned
		if err := s.store.PutCircuit(circuit); err != nil {
			return err
		}
		s.routes.RemoveCircuit(circuitID)
		s.events.Append(Event{Type: EventCircuitAbandoned, Circuit: circuit, ManagementType: circuit.ManagementType})
		return nil
	default:
		return errs.InvalidArgument("consensus message: unrecognized kind %d", env.Kind)
	}
}

func (s *Service) handleDisbandRequest(payload *CircuitManagementPayload, raw, actionBytes []byte) error {
	circuit, err := s.store.GetCircuit(payload.CircuitID)
	if err != nil {
		return err
	}
	if circuit.Status != CircuitActive {
		return errs.InvalidState("circuit %s is not active", circuit.CircuitID)
	}

	coordinator := Coordinator(circuit.Members)
	if coordinator != s.nodeID {
		return s.forwardToCoordinator(coordinator, raw)
	}
	if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(circuit.Members), s.registry); err != nil {
		return err
	}
	if _, pending := s.engine.fetchPending(circuit.CircuitID); pending {
		return errs.Constraint(errs.ViolationUnique, "circuit %s already has a pending proposal", circuit.CircuitID)
	}

	proposedCircuit := proposedFromCircuit(*circuit)
	circuitHash, err := CircuitHash(proposedCircuit)
	if err != nil {
		return err
	}
	proposal := &CircuitProposal{
		ProposalType:    ProposalDestroy,
		ProposalID:      ProposalID(raw),
		CircuitHash:     circuitHash,
		Circuit:         proposedCircuit,
		Requester:       payload.Header.Requester,
		RequesterNodeID: payload.Header.RequesterNodeID,
	}
	s.events.Append(Event{Type: EventProposalSubmitted, ManagementType: circuit.ManagementType, Proposal: proposal, Requester: payload.Header.RequesterNodeID})

	announcement := func(*CircuitProposal) ([]byte, error) { return wrapWire(wireKindProposed, raw), nil }
	if err := s.engine.createProposal(circuit.CircuitID, proposal, raw, announcement); err != nil {
		return err
	}
	return s.maybeAutoAccept(circuit.CircuitID)
}

func (s *Service) handlePurgeRequest(payload *CircuitManagementPayload, actionBytes []byte) error {
	circuit, err := s.store.GetCircuit(payload.CircuitID)
	if err != nil {
		return err
	}
	if circuit.Status == CircuitActive {
		return errs.InvalidState("circuit %s must be disbanded or abandoned before it can be purged", circuit.CircuitID)
	}
	if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(circuit.Members), s.registry); err != nil {
		return err
	}
	if err := s.store.RemoveCircuit(circuit.CircuitID); err != nil {
		return err
	}
	s.routes.RemoveCircuit(circuit.CircuitID)
	s.events.Append(Event{Type: EventCircuitPurged, ManagementType: circuit.ManagementType})
	return nil
}

func (s *Service) handleAbandon(payload *CircuitManagementPayload, actionBytes []byte) error {
	circuit, err := s.store.GetCircuit(payload.CircuitID)
	if err != nil {
		return err
	}
	if err := VerifyEnvelope(payload, actionBytes, memberNodeIDs(circuit.Members), s.registry); err != nil {
		return err
	}
	wasActive := circuit.Status == CircuitActive
	circuit.Status = CircuitAbandoned
	if err := s.store.PutCircuit(circuit); err != nil {
		return err
	}
	s.routes.RemoveCircuit(circuit.CircuitID)
	s.events.Append(Event{Type: EventCircuitAbandoned, Circuit: circuit, ManagementType: circuit.ManagementType})
	if s.metrics != nil && wasActive {
		s.metrics.CircuitsActive.Dec()
	}

	env, err := encodeConsensusEnvelope(consensusEnvelope{Kind: consensusAbandoned, CircuitID: circuit.CircuitID})
	if err != nil {
		return err
	}
	for _, m := range circuit.Members {
		if m.NodeID == s.nodeID {
			continue
		}
		if err := s.engine.sender.SendTo(ids.AdminServiceID(m.NodeID), wrapWire(wireKindConsensus, env)); err != nil {
			logging.AdminLog.Warnf("notifying %s of abandoned circuit %s: %v", m.NodeID, circuit.CircuitID, err)
		}
	}
	return nil
}

// --- shared finalize / forward helpers ---

func (s *Service) forwardToCoordinator(coordinator string, raw []byte) error {
	return s.engine.sender.SendTo(ids.AdminServiceID(coordinator), wrapWire(wireKindSubmit, raw))
}

func (s *Service) maybeAutoAccept(circuitID string) error {
	n, ok := s.engine.requiredVoterCount(circuitID)
	if !ok || n > 0 {
		return nil
	}
	proposal, ok := s.engine.fetchPending(circuitID)
	if !ok {
		return nil
	}
	return s.finalizeAccept(circuitID, proposal)
}

func (s *Service) finalizeAccept(circuitID string, proposal *CircuitProposal) error {
	circuit := circuitFromProposed(proposal.Circuit)
	if proposal.ProposalType == ProposalDestroy {
		circuit.Status = CircuitDisbanded
	}

	if err := s.store.PutCircuit(&circuit); err != nil {
		s.events.Append(Event{Type: EventProposalAcceptFailed, Proposal: proposal, ManagementType: proposal.Circuit.ManagementType})
		s.engine.rollback(circuitID)
		return err
	}
	s.engine.commit(circuitID)

	var lastVoter string
	if n := len(proposal.Votes); n > 0 {
		lastVoter = proposal.Votes[n-1].VoterNodeID
	}

	if circuit.Status == CircuitDisbanded {
		s.routes.RemoveCircuit(circuit.CircuitID)
		s.events.Append(Event{Type: EventProposalAccepted, Proposal: proposal, ManagementType: circuit.ManagementType, Requester: lastVoter})
		s.events.Append(Event{Type: EventCircuitDisbanded, Circuit: &circuit, ManagementType: circuit.ManagementType})
		if s.metrics != nil {
			s.metrics.CircuitsActive.Dec()
		}
	} else {
		s.routes.AddCircuit(circuit.CircuitID, toRoutingMembers(circuit.Members), toRoutingServices(circuit.Roster))
		s.events.Append(Event{Type: EventProposalAccepted, Proposal: proposal, ManagementType: circuit.ManagementType, Requester: lastVoter})
		s.events.Append(Event{Type: EventCircuitReady, Circuit: &circuit, ManagementType: circuit.ManagementType})
		if s.metrics != nil && proposal.ProposalType == ProposalCreate {
			s.metrics.CircuitsActive.Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.ProposalsCommitted.Inc()
	}

	circuitRaw, err := json.Marshal(circuit)
	if err != nil {
		return errs.Internal(err, "encoding committed circuit %s for broadcast", circuit.CircuitID)
	}
	env, err := encodeConsensusEnvelope(consensusEnvelope{Kind: consensusCommit, CircuitID: circuitID, ProposalID: proposal.ProposalID, CircuitRaw: circuitRaw})
	if err != nil {
		return err
	}
	for _, m := range proposal.Circuit.Members {
		if m.NodeID == s.nodeID {
			continue
		}
		if err := s.engine.sender.SendTo(ids.AdminServiceID(m.NodeID), wrapWire(wireKindConsensus, env)); err != nil {
			logging.AdminLog.Warnf("broadcasting commit for circuit %s to %s: %v", circuit.CircuitID, m.NodeID, err)
		}
	}
	return nil
}

func (s *Service) finalizeReject(circuitID string, proposal *CircuitProposal) error {
	s.engine.rollback(circuitID)
	s.events.Append(Event{Type: EventProposalRejected, Proposal: proposal, ManagementType: proposal.Circuit.ManagementType})
	if s.metrics != nil {
		s.metrics.ProposalsAborted.Inc()
	}

	env, err := encodeConsensusEnvelope(consensusEnvelope{Kind: consensusAbort, CircuitID: circuitID, ProposalID: proposal.ProposalID})
	if err != nil {
		return err
	}
	for _, m := range proposal.Circuit.Members {
		if m.NodeID == s.nodeID {
			continue
		}
		if err := s.engine.sender.SendTo(ids.AdminServiceID(m.NodeID), wrapWire(wireKindConsensus, env)); err != nil {
			logging.AdminLog.Warnf("broadcasting reject for circuit %s to %s: %v", circuitID, m.NodeID, err)
		}
	}
	return nil
}

func toRoutingMembers(members []ProposedNode) []routing.Member {
	out := make([]routing.Member, len(members))
	for i, m := range members {
		out[i] = routing.Member{NodeID: m.NodeID, Endpoints: m.Endpoints}
	}
	return out
}

func toRoutingServices(roster []CircuitService) []routing.Service {
	out := make([]routing.Service, len(roster))
	for i, svc := range roster {
		out[i] = routing.Service{ServiceID: svc.ServiceID, NodeID: svc.NodeID}
	}
	return out
}
