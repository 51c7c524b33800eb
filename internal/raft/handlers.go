package raft

// RPC receiver logic. Handlers run on transport goroutines and serialize on
// the node mutex; a durable persist happens before any acknowledgment
// leaves the node.

// HandleAppendEntries processes a replication or heartbeat RPC from the
// leader.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &AppendEntriesResponse{Term: n.storage.CurrentTerm()}

	// A stale leader from before a partition healed; reject so it steps
	// down.
	if req.Term < n.storage.CurrentTerm() {
		return resp
	}

	if req.Term > n.storage.CurrentTerm() {
		n.stepDownLocked(req.Term)
		resp.Term = req.Term
	} else if n.role != Follower {
		n.stepDownLocked(req.Term)
	}

	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	// Consistency check: the entry at PrevLogIndex must carry PrevLogTerm,
	// otherwise this log diverged from the leader's and the leader must
	// back up.
	if req.PrevLogIndex > 0 {
		term, ok := n.termAtLocked(req.PrevLogIndex)
		if !ok {
			if req.PrevLogIndex > n.lastIndexLocked() {
				resp.ConflictIndex = n.lastIndexLocked() + 1
			} else {
				resp.ConflictIndex = n.storage.SnapshotIndex() + 1
			}
			return resp
		}
		if term != req.PrevLogTerm {
			// Skip the whole conflicting term in one step.
			conflict := req.PrevLogIndex
			for conflict > n.storage.SnapshotIndex()+1 {
				t, ok := n.termAtLocked(conflict - 1)
				if !ok || t != term {
					break
				}
				conflict--
			}
			resp.ConflictIndex = conflict
			return resp
		}
	}

	// Append new entries, truncating any conflicting suffix first. Entries
	// from an abandoned term are overwritten here; they were never
	// committed.
	var toAppend []Entry
	for i, entry := range req.Entries {
		existing, ok := n.termAtLocked(entry.Index)
		if !ok {
			toAppend = req.Entries[i:]
			break
		}
		if existing != entry.Term {
			if err := n.storage.TruncateFrom(entry.Index); err != nil {
				n.logger.Error("cannot truncate conflicting suffix", "error", err)
				return resp
			}
			toAppend = req.Entries[i:]
			break
		}
	}
	if len(toAppend) > 0 {
		if err := n.storage.Append(toAppend); err != nil {
			n.logger.Error("cannot append entries", "error", err)
			return resp
		}
		for _, entry := range toAppend {
			if entry.Type != EntryConfig {
				continue
			}
			cfg, err := decodeConfiguration(entry.Command)
			if err != nil {
				n.logger.Error("bad config entry", "index", entry.Index, "error", err)
				continue
			}
			n.config = cfg
			n.configIndex = entry.Index
			if err := n.storage.SetConfiguration(cfg, entry.Index); err != nil {
				n.logger.Error("cannot persist configuration", "error", err)
			}
		}
	}

	// Advance commit to what the leader reports, bounded by what we hold.
	if req.LeaderCommit > n.commitIndex {
		last := n.lastIndexLocked()
		if req.LeaderCommit < last {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = last
		}
		n.notifyApply()
	}

	resp.Success = true
	resp.MatchIndex = n.lastIndexLocked()
	return resp
}

// HandleRequestVote processes a vote solicitation.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &RequestVoteResponse{Term: n.storage.CurrentTerm()}

	if req.Term < n.storage.CurrentTerm() {
		return resp
	}

	if req.Term > n.storage.CurrentTerm() {
		n.stepDownLocked(req.Term)
		resp.Term = req.Term
	}

	// One vote per term.
	if voted := n.storage.VotedFor(); voted != 0 && voted != req.CandidateID {
		return resp
	}

	// Election restriction (Raft §5.4.1): only grant to candidates whose
	// log is at least as up to date, so no committed entry can be lost.
	lastIndex := n.lastIndexLocked()
	lastTerm := n.lastTermLocked()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		return resp
	}

	if err := n.storage.SetTermAndVote(req.Term, req.CandidateID); err != nil {
		// Never grant a vote that is not durable.
		n.logger.Error("cannot persist vote", "error", err)
		return resp
	}

	n.resetElectionTimerLocked()
	resp.VoteGranted = true
	return resp
}

// HandleInstallSnapshot replaces local state with the leader's snapshot.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	n.mu.Lock()

	resp := &InstallSnapshotResponse{Term: n.storage.CurrentTerm()}
	if req.Term < n.storage.CurrentTerm() {
		n.mu.Unlock()
		return resp
	}
	if req.Term > n.storage.CurrentTerm() {
		n.stepDownLocked(req.Term)
		resp.Term = req.Term
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	if req.LastIncludedIndex <= n.lastApplied {
		// Already past this snapshot.
		n.mu.Unlock()
		return resp
	}

	if err := n.sm.Restore(req.Data); err != nil {
		n.logger.Error("cannot restore snapshot", "error", err)
		n.mu.Unlock()
		return resp
	}
	if err := n.storage.InstallSnapshot(req.LastIncludedIndex, req.LastIncludedTerm, req.Data, req.Configuration); err != nil {
		n.logger.Error("cannot persist snapshot", "error", err)
		n.mu.Unlock()
		return resp
	}

	n.config = req.Configuration.Clone()
	n.configIndex = req.LastIncludedIndex
	n.lastApplied = req.LastIncludedIndex
	n.commitIndex = req.LastIncludedIndex
	n.mu.Unlock()

	n.logger.Info("snapshot installed", "index", req.LastIncludedIndex, "term", req.LastIncludedTerm)
	return resp
}
