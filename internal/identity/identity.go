// Package identity manages stable node identity and ownership of the
// on-disk state directory.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

const (
	identityFileName = "identity.json"
	lockFileName     = "LOCK"
)

// Identity is the persisted node identity, written once when the state
// directory is first initialized and read back on every restart.
type Identity struct {
	NodeID       uint64 `json:"node_id"`
	ClusterEpoch uint64 `json:"cluster_epoch"`
	DataDir      string `json:"data_dir"`
}

// DeriveNodeID extracts the numeric ordinal suffix from a stable pod-style
// hostname, e.g. "coordinator-2" yields 2. The ordinal is the node's
// identity for its lifetime at that position.
func DeriveNodeID(hostname string) (uint64, error) {
	idx := strings.LastIndex(hostname, "-")
	if idx < 0 || idx == len(hostname)-1 {
		return 0, fmt.Errorf("hostname %q has no ordinal suffix", hostname)
	}
	ordinal, err := strconv.ParseUint(hostname[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("hostname %q has non-numeric ordinal suffix: %w", hostname, err)
	}
	return ordinal, nil
}

// Manager owns the state directory for the lifetime of the process.
type Manager struct {
	dataDir  string
	identity *Identity
	fresh    bool
}

// Open acquires exclusive ownership of dataDir and loads or creates the
// node identity. fresh is true when no prior identity existed, meaning the
// node must either initialize (seed) or wait to be joined.
//
// An existing identity with a different node ID fails hard: a data
// directory must never be re-homed to another ordinal.
func Open(dataDir string, nodeID uint64) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	if err := acquireLock(dataDir); err != nil {
		return nil, err
	}

	m := &Manager{dataDir: dataDir}

	path := filepath.Join(dataDir, identityFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		m.fresh = true
		m.identity = &Identity{NodeID: nodeID, ClusterEpoch: 1, DataDir: dataDir}
		if err := m.persist(); err != nil {
			releaseLock(dataDir)
			return nil, err
		}
	case err != nil:
		releaseLock(dataDir)
		return nil, fmt.Errorf("read identity: %w", err)
	default:
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			releaseLock(dataDir)
			return nil, fmt.Errorf("%w: identity file: %v", errors.ErrCorruptState, err)
		}
		if id.NodeID != nodeID {
			releaseLock(dataDir)
			return nil, fmt.Errorf("state dir %s belongs to node %d, not node %d", dataDir, id.NodeID, nodeID)
		}
		m.identity = &id
	}

	return m, nil
}

// Identity returns the loaded identity.
func (m *Manager) Identity() *Identity { return m.identity }

// Fresh reports whether this directory had no prior identity. An
// already-initialized node never re-initializes even if passed an
// initialize flag again.
func (m *Manager) Fresh() bool { return m.fresh }

// DataDir returns the owned directory path.
func (m *Manager) DataDir() string { return m.dataDir }

// Close releases ownership of the state directory.
func (m *Manager) Close() error {
	releaseLock(m.dataDir)
	return nil
}

func (m *Manager) persist() error {
	data, err := json.MarshalIndent(m.identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	path := filepath.Join(m.dataDir, identityFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp identity: %w", err)
	}
	if f, err := os.OpenFile(tempPath, os.O_RDONLY, 0); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename identity: %w", err)
	}
	return nil
}

// acquireLock creates the lock file exclusively. A leftover lock whose pid
// is no longer alive is taken over; a live pid means a concurrent process
// owns the directory, which must never share writers.
func acquireLock(dataDir string) error {
	path := filepath.Join(dataDir, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		return f.Close()
	}
	if !os.IsExist(err) {
		return fmt.Errorf("create lock file: %w", err)
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return fmt.Errorf("%w: unreadable lock file", errors.ErrStateDirLocked)
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr == nil && pid > 0 && pidAlive(pid) {
		return fmt.Errorf("%w: held by pid %d", errors.ErrStateDirLocked, pid)
	}

	// Stale lock from a dead process.
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return acquireLock(dataDir)
}

func releaseLock(dataDir string) {
	_ = os.Remove(filepath.Join(dataDir, lockFileName))
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
