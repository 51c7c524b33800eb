// Package raft implements the replicated log, leader election and cluster
// membership for the coordinator.
package raft

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Role is the per-node state machine state.
type Role int

const (
	// Follower - normal state, replicates entries from the leader. If no
	// heartbeat arrives before the election timeout, becomes Candidate.
	Follower Role = iota

	// Candidate - requesting votes to become leader.
	Candidate

	// Leader - accepts client proposals and replicates to followers.
	// At most one leader per term.
	Leader

	// Learner - replicates the log but does not vote and does not count
	// toward quorum. New members start here until caught up.
	Learner
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Learner:
		return "learner"
	default:
		return "unknown"
	}
}

// EntryType distinguishes ordinary commands from membership changes.
type EntryType uint8

const (
	// EntryCommand carries an opaque state machine command.
	EntryCommand EntryType = iota

	// EntryConfig carries a serialized Configuration. Membership changes
	// travel through the same log as data mutations so the membership set
	// itself can never diverge between replicas.
	EntryConfig

	// EntryNoop is appended by a new leader to commit entries from prior
	// terms.
	EntryNoop
)

// Entry is a single replicated log record. Entries are immutable once
// committed; index/term pairs are globally unique and totally ordered.
type Entry struct {
	Index   uint64    `json:"index"` // starts at 1
	Term    uint64    `json:"term"`  // term of the leader that proposed it
	Type    EntryType `json:"type"`
	Command []byte    `json:"command,omitempty"`
}

// Member describes one cluster member.
type Member struct {
	ID       uint64 `json:"id"`
	RaftAddr string `json:"raft_addr"` // replication traffic
	APIAddr  string `json:"api_addr"`  // client traffic
	Voter    bool   `json:"voter"`     // false while a learner
}

// Configuration is the consensus-protected membership set.
type Configuration struct {
	Members map[uint64]Member `json:"members"`
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	members := make(map[uint64]Member, len(c.Members))
	for id, m := range c.Members {
		members[id] = m
	}
	return Configuration{Members: members}
}

// Voters returns the ids of voting members in ascending order.
func (c Configuration) Voters() []uint64 {
	var ids []uint64
	for id, m := range c.Members {
		if m.Voter {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Quorum returns the strict majority size of the voting set.
func (c Configuration) Quorum() int {
	return len(c.Voters())/2 + 1
}

func (c Configuration) encode() []byte {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("encode configuration: %v", err))
	}
	return data
}

func decodeConfiguration(data []byte) (Configuration, error) {
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, fmt.Errorf("decode configuration: %w", err)
	}
	if c.Members == nil {
		c.Members = make(map[uint64]Member)
	}
	return c, nil
}

// StateMachine is the deterministic apply target for committed entries.
// The same command sequence must produce the same state on every node.
type StateMachine interface {
	// Apply applies one committed command and returns its result.
	Apply(index uint64, command []byte) ([]byte, error)

	// Snapshot serializes the full applied state.
	Snapshot() ([]byte, error)

	// Restore replaces all state from a snapshot.
	Restore(data []byte) error
}

// Status is a point-in-time view of a node, for readiness and operators.
type Status struct {
	ID          uint64            `json:"id"`
	Role        string            `json:"role"`
	Term        uint64            `json:"term"`
	LeaderID    uint64            `json:"leader_id"`
	LeaderAddr  string            `json:"leader_addr"`
	CommitIndex uint64            `json:"commit_index"`
	LastApplied uint64            `json:"last_applied"`
	LastIndex   uint64            `json:"last_index"`
	SnapIndex   uint64            `json:"snapshot_index"`
	Members     map[uint64]Member `json:"members"`
}
