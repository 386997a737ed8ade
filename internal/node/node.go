// Package node defines the local and remote Node identity record and
// the on-disk node-id file used to pin a node's identity across
// restarts, per spec.md §3 "Node" and §6 "Node-id file".
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/circuitmesh/circuitd/internal/errs"
)

// Node is the immutable (modulo endpoints) in-memory record of a
// participant in the mesh.
type Node struct {
	ID         string
	Endpoints  []string
	PublicKeys [][]byte
}

// HasPublicKey reports whether pub is one of the node's registered
// signing keys.
func (n *Node) HasPublicKey(pub []byte) bool {
	for _, k := range n.PublicKeys {
		if string(k) == string(pub) {
			return true
		}
	}
	return false
}

const nodeIDFileName = "node_id"

// ErrNodeIDMismatch is returned by LoadOrCreate when the configured
// node id disagrees with the one already persisted to the state
// directory on a previous run.
var ErrNodeIDMismatch = errs.InvalidArgument("configured node id does not match the one stored on disk")

// LoadOrCreate reads <stateDir>/node_id. If it does not exist, it is
// created containing configuredID. If it exists, it must match
// configuredID exactly or startup fails, matching spec.md §6: "node_id
// in configuration must match or startup fails."
func LoadOrCreate(stateDir, configuredID string) (string, error) {
	path := filepath.Join(stateDir, nodeIDFileName)

	existing, err := os.ReadFile(path)
	if err == nil {
		stored := strings.TrimSpace(string(existing))
		if configuredID != "" && stored != configuredID {
			return "", ErrNodeIDMismatch
		}
		return stored, nil
	}
	if !os.IsNotExist(err) {
		return "", errs.Internal(err, "reading node id file %s", path)
	}

	if configuredID == "" {
		return "", errs.InvalidArgument("no node id configured and none on disk at %s", path)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", errs.Internal(err, "creating state directory %s", stateDir)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(configuredID+"\n"), 0o600); err != nil {
		return "", errs.Internal(err, "writing node id file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errs.Internal(err, "renaming node id file into place")
	}

	return configuredID, nil
}

func (n *Node) String() string {
	return fmt.Sprintf("Node{id=%s, endpoints=%v}", n.ID, n.Endpoints)
}
