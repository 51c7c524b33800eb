package raft

// AppendEntriesRequest replicates log entries and doubles as the heartbeat.
type AppendEntriesRequest struct {
	Term         uint64  `json:"term"`           // leader's term
	LeaderID     uint64  `json:"leader_id"`      // so followers can redirect clients
	PrevLogIndex uint64  `json:"prev_log_index"` // index of entry immediately preceding the new ones
	PrevLogTerm  uint64  `json:"prev_log_term"`  // term of the PrevLogIndex entry
	Entries      []Entry `json:"entries"`        // empty for heartbeat
	LeaderCommit uint64  `json:"leader_commit"`  // leader's commit index
}

// AppendEntriesResponse reports follower acceptance.
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`    // follower's current term, for the leader to update itself
	Success bool   `json:"success"` // true if the follower matched PrevLogIndex/PrevLogTerm

	// ConflictIndex hints where the leader should resume after a
	// consistency check failure, skipping whole conflicting stretches.
	ConflictIndex uint64 `json:"conflict_index,omitempty"`

	// MatchIndex is the follower's last log index on success, so heartbeats
	// keep the leader's replication tracking fresh.
	MatchIndex uint64 `json:"match_index,omitempty"`
}

// RequestVoteRequest solicits a vote for a candidate's term.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`           // candidate's term
	CandidateID  uint64 `json:"candidate_id"`   // candidate requesting the vote
	LastLogIndex uint64 `json:"last_log_index"` // index of candidate's last log entry
	LastLogTerm  uint64 `json:"last_log_term"`  // term of candidate's last log entry
}

// RequestVoteResponse grants or denies a vote.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// InstallSnapshotRequest fast-forwards a follower that is behind the
// leader's snapshot horizon.
type InstallSnapshotRequest struct {
	Term              uint64        `json:"term"`
	LeaderID          uint64        `json:"leader_id"`
	LastIncludedIndex uint64        `json:"last_included_index"`
	LastIncludedTerm  uint64        `json:"last_included_term"`
	Configuration     Configuration `json:"configuration"`
	Data              []byte        `json:"data"`
}

// InstallSnapshotResponse acknowledges a snapshot install.
type InstallSnapshotResponse struct {
	Term uint64 `json:"term"`
}

// JoinRequest asks the leader to admit a new member as a learner.
type JoinRequest struct {
	ID       uint64 `json:"id"`
	RaftAddr string `json:"raft_addr"`
	APIAddr  string `json:"api_addr"`
}

// JoinResponse reports admission, or points at the current leader.
type JoinResponse struct {
	OK         bool   `json:"ok"`
	LeaderID   uint64 `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"` // raft address of the leader
	Error      string `json:"error,omitempty"`
}
