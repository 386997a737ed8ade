package admin

// CircuitFilter composes predicates for list_circuits/list_proposals,
// mirroring proposal_store/store.rs's filter builder (supplemented
// from original_source; the distilled spec names "filters" without
// enumerating fields).
type CircuitFilter struct {
	ManagementType string
	MemberNodeID   string
	Status         *CircuitStatus
}

// Matches reports whether c satisfies every predicate f sets, for
// store backends that can't push the full filter down into a query
// (e.g. the member-node-id check against a JSON column).
func (f CircuitFilter) Matches(c *Circuit) bool {
	return f.matchesCircuit(c)
}

func (f CircuitFilter) matchesCircuit(c *Circuit) bool {
	if f.ManagementType != "" && c.ManagementType != f.ManagementType {
		return false
	}
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	if f.MemberNodeID != "" {
		found := false
		for _, m := range c.Members {
			if m.NodeID == f.MemberNodeID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f CircuitFilter) matchesProposal(p *CircuitProposal) bool {
	if f.ManagementType != "" && p.Circuit.ManagementType != f.ManagementType {
		return false
	}
	if f.MemberNodeID != "" {
		found := false
		for _, m := range p.Circuit.Members {
			if m.NodeID == f.MemberNodeID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the persistence contract the admin service commits
// circuits through. internal/store/sqlstore and
// internal/store/yamlstore each provide a concrete implementation;
// admin depends only on this interface so either backend is
// interchangeable, per spec.md §6 "Persistence".
type Store interface {
	PutCircuit(c *Circuit) error
	GetCircuit(id string) (*Circuit, error)
	RemoveCircuit(id string) error
	ListCircuits(filter CircuitFilter) ([]*Circuit, error)
	CircuitExists(id string) (bool, error)
}
