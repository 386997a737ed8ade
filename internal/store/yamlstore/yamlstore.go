// Package yamlstore implements internal/admin.Store as a pair of flat
// YAML files, for single-node or development deployments that don't
// want a database dependency. Persistence is write-temp -> fsync ->
// rename, the same defensive-write shape cmd/lncli uses for its
// temporary-file-then-finalize graph export, applied here so a crash
// mid-write never leaves either file half-written.
package yamlstore

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/circuitmesh/circuitd/internal/admin"
	"github.com/circuitmesh/circuitd/internal/errs"
)

// schemaVersion is written into both files and checked on every read
// of circuits.yaml, including the one Open makes. A file
// with a higher version than this package understands is refused
// outright rather than partially interpreted.
const schemaVersion = 1

const (
	circuitsFileName = "circuits.yaml"
)

type circuitsFile struct {
	SchemaVersion int             `yaml:"schema_version"`
	Circuits      []storedCircuit `yaml:"circuits"`
}

type storedCircuit struct {
	CircuitID         string          `yaml:"circuit_id"`
	Roster            []storedService `yaml:"roster"`
	Members           []storedNode    `yaml:"members"`
	AuthorizationType int             `yaml:"authorization_type"`
	ManagementType    string          `yaml:"management_type"`
	Status            int             `yaml:"status"`
}

type storedService struct {
	ServiceID   string         `yaml:"service_id"`
	ServiceType string         `yaml:"service_type"`
	NodeID      string         `yaml:"node_id"`
	Arguments   []storedKeyVal `yaml:"arguments"`
}

type storedKeyVal struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type storedNode struct {
	NodeID    string   `yaml:"node_id"`
	Endpoints []string `yaml:"endpoints"`
}

// Store implements admin.Store over two YAML files rooted at dir:
// circuits.yaml. A second file, circuit_proposals.yaml, is reserved
// for a future durable-proposal mode; today's admin.Service keeps
// proposals in memory only (spec.md §3 treats them as ephemeral until
// committed), so Store writes an empty, schema-tagged placeholder for
// it and never reads it back.
type Store struct {
	mu  sync.Mutex
	dir string
}

// Open loads (or initializes) the store rooted at dir, which must
// already exist.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) circuitsPath() string {
	return filepath.Join(s.dir, circuitsFileName)
}

func (s *Store) proposalsPath() string {
	return filepath.Join(s.dir, "circuit_proposals.yaml")
}

func (s *Store) ensureInitialized() error {
	if _, err := os.Stat(s.circuitsPath()); os.IsNotExist(err) {
		if err := s.writeCircuits(&circuitsFile{SchemaVersion: schemaVersion}); err != nil {
			return err
		}
	} else if err != nil {
		return errs.Internal(err, "stat %s", s.circuitsPath())
	}

	if _, err := os.Stat(s.proposalsPath()); os.IsNotExist(err) {
		placeholder := map[string]interface{}{"schema_version": schemaVersion, "proposals": []interface{}{}}
		if err := writeYAMLAtomic(s.proposalsPath(), placeholder); err != nil {
			return err
		}
	} else if err != nil {
		return errs.Internal(err, "stat %s", s.proposalsPath())
	}

	// Read once up front purely to enforce the schema-version check at
	// open time rather than deferring it to the first operation.
	_, err := s.readCircuits()
	return err
}

func (s *Store) readCircuits() (*circuitsFile, error) {
	b, err := os.ReadFile(s.circuitsPath())
	if err != nil {
		return nil, errs.Internal(err, "reading %s", s.circuitsPath())
	}
	var f circuitsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errs.Internal(err, "parsing %s", s.circuitsPath())
	}
	if f.SchemaVersion > schemaVersion {
		return nil, errs.InvalidState(
			"circuits.yaml schema_version %d is newer than this binary understands (%d); refusing to load",
			f.SchemaVersion, schemaVersion)
	}
	return &f, nil
}

func (s *Store) writeCircuits(f *circuitsFile) error {
	f.SchemaVersion = schemaVersion
	return writeYAMLAtomic(s.circuitsPath(), f)
}

// writeYAMLAtomic marshals v and writes it to path via a temp file in
// the same directory, fsync, then rename -- rename within one
// filesystem is atomic, so a reader never observes a partially written
// file and a crash mid-write leaves the original file untouched.
func writeYAMLAtomic(path string, v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return errs.Internal(err, "encoding %s", path)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return errs.Internal(err, "creating temp file for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errs.Internal(err, "writing temp file for %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Internal(err, "fsyncing temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errs.Internal(err, "closing temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Internal(err, "renaming temp file into place for %s", path)
	}
	return nil
}

func toStoredCircuit(c *admin.Circuit) storedCircuit {
	roster := make([]storedService, len(c.Roster))
	for i, svc := range c.Roster {
		args := make([]storedKeyVal, len(svc.Arguments))
		for j, kv := range svc.Arguments {
			args[j] = storedKeyVal{Key: kv.Key, Value: kv.Value}
		}
		roster[i] = storedService{ServiceID: svc.ServiceID, ServiceType: svc.ServiceType, NodeID: svc.NodeID, Arguments: args}
	}
	members := make([]storedNode, len(c.Members))
	for i, m := range c.Members {
		members[i] = storedNode{NodeID: m.NodeID, Endpoints: m.Endpoints}
	}
	return storedCircuit{
		CircuitID:         c.CircuitID,
		Roster:            roster,
		Members:           members,
		AuthorizationType: int(c.AuthorizationType),
		ManagementType:    c.ManagementType,
		Status:            int(c.Status),
	}
}

func fromStoredCircuit(sc storedCircuit) *admin.Circuit {
	roster := make([]admin.CircuitService, len(sc.Roster))
	for i, svc := range sc.Roster {
		args := make([]admin.KeyValue, len(svc.Arguments))
		for j, kv := range svc.Arguments {
			args[j] = admin.KeyValue{Key: kv.Key, Value: kv.Value}
		}
		roster[i] = admin.CircuitService{ServiceID: svc.ServiceID, ServiceType: svc.ServiceType, NodeID: svc.NodeID, Arguments: args}
	}
	members := make([]admin.ProposedNode, len(sc.Members))
	for i, m := range sc.Members {
		members[i] = admin.ProposedNode{NodeID: m.NodeID, Endpoints: m.Endpoints}
	}
	return &admin.Circuit{
		CircuitID:         sc.CircuitID,
		Roster:            roster,
		Members:           members,
		AuthorizationType: admin.AuthorizationType(sc.AuthorizationType),
		ManagementType:    sc.ManagementType,
		Status:            admin.CircuitStatus(sc.Status),
	}
}

// PutCircuit implements admin.Store.
func (s *Store) PutCircuit(c *admin.Circuit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readCircuits()
	if err != nil {
		return err
	}
	row := toStoredCircuit(c)
	replaced := false
	for i, existing := range f.Circuits {
		if existing.CircuitID == c.CircuitID {
			f.Circuits[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		f.Circuits = append(f.Circuits, row)
	}
	return s.writeCircuits(f)
}

// GetCircuit implements admin.Store.
func (s *Store) GetCircuit(id string) (*admin.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readCircuits()
	if err != nil {
		return nil, err
	}
	for _, sc := range f.Circuits {
		if sc.CircuitID == id {
			return fromStoredCircuit(sc), nil
		}
	}
	return nil, errs.NotFound("circuit %s not found", id)
}

// RemoveCircuit implements admin.Store.
func (s *Store) RemoveCircuit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readCircuits()
	if err != nil {
		return err
	}
	idx := -1
	for i, sc := range f.Circuits {
		if sc.CircuitID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.NotFound("circuit %s not found", id)
	}
	f.Circuits = append(f.Circuits[:idx], f.Circuits[idx+1:]...)
	return s.writeCircuits(f)
}

// CircuitExists implements admin.Store.
func (s *Store) CircuitExists(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readCircuits()
	if err != nil {
		return false, err
	}
	for _, sc := range f.Circuits {
		if sc.CircuitID == id {
			return true, nil
		}
	}
	return false, nil
}

// ListCircuits implements admin.Store.
func (s *Store) ListCircuits(filter admin.CircuitFilter) ([]*admin.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readCircuits()
	if err != nil {
		return nil, err
	}
	var out []*admin.Circuit
	for _, sc := range f.Circuits {
		c := fromStoredCircuit(sc)
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ admin.Store = (*Store)(nil)
