// Package errors defines the error taxonomy shared across the coordinator.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for cluster bootstrap and node startup.
var (
	// ErrNoCandidates indicates the discovery candidate set is empty, so no
	// seed can be chosen and the cluster cannot bootstrap. Fatal; the
	// discovery source must be fixed by an operator.
	ErrNoCandidates = errors.New("discovery: no candidate members")

	// ErrCorruptState indicates on-disk state exists but failed an internal
	// consistency check. Fatal for the node; never auto-repaired.
	ErrCorruptState = errors.New("storage: on-disk state is corrupt")

	// ErrStateDirLocked indicates another process owns the data directory.
	ErrStateDirLocked = errors.New("storage: data directory is locked by another process")
)

// Sentinel errors for replication and client writes.
var (
	// ErrCommitTimeout indicates a proposed command was not committed within
	// the caller's deadline. The command may still commit later; retries must
	// reuse the original dedup token.
	ErrCommitTimeout = errors.New("raft: timed out waiting for commit")

	// ErrQuorumLost indicates a majority of voting members is unreachable.
	// All writes are rejected until quorum is restored.
	ErrQuorumLost = errors.New("raft: quorum lost")

	// ErrNotReady indicates the node has no known leader or has not applied
	// the log up to a safe point yet.
	ErrNotReady = errors.New("node is not ready to serve")

	// ErrMembershipChangeInFlight indicates a previous membership change has
	// not committed yet. Changes proceed one member at a time.
	ErrMembershipChangeInFlight = errors.New("raft: membership change already in flight")

	// ErrShutdown indicates the node is stopping.
	ErrShutdown = errors.New("raft: node is shutting down")
)

// Sentinel errors for backends.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCacheMiss indicates the key is not present in the cache layer.
	ErrCacheMiss = errors.New("cache miss")
)

// NotLeaderError is returned when a write-style operation reaches a
// non-leader node. It carries a hint to the last known leader so callers
// can redirect and retry.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderAddr == "" {
		return "not the leader (leader unknown)"
	}
	return fmt.Sprintf("not the leader (leader is node %d at %s)", e.LeaderID, e.LeaderAddr)
}

// IsNotLeader reports whether err is a NotLeaderError and returns it.
func IsNotLeader(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle, true
	}
	return nil, false
}
