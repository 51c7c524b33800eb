package raft

import (
	"context"
	"time"
)

// runHeartbeats drives periodic AppendEntries to every peer while leader.
// Heartbeats are empty appends; they carry the commit index and suppress
// follower elections.
func (n *Node) runHeartbeats(ticker *time.Ticker) {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			if n.role != Leader {
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()

			n.broadcastAppend()
		}
	}
}

// broadcastAppend replicates to every other member concurrently.
func (n *Node) broadcastAppend() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	members := n.config.Clone().Members
	n.mu.Unlock()

	for id, m := range members {
		if id == n.id {
			continue
		}
		go n.replicateTo(m)
	}
}

// replicateTo sends one AppendEntries (or InstallSnapshot when the peer is
// behind the snapshot horizon) to a single peer and folds the response back
// into leader state.
func (n *Node) replicateTo(peer Member) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}

	term := n.storage.CurrentTerm()
	nextIndex := n.nextIndex[peer.ID]
	if nextIndex == 0 {
		nextIndex = n.lastIndexLocked() + 1
		n.nextIndex[peer.ID] = nextIndex
	}

	// Peer needs entries we have already compacted away.
	if nextIndex <= n.storage.SnapshotIndex() {
		n.mu.Unlock()
		n.sendSnapshot(peer, term)
		return
	}

	prevLogIndex := nextIndex - 1
	prevLogTerm, ok := n.termAtLocked(prevLogIndex)
	if !ok {
		n.mu.Unlock()
		n.sendSnapshot(peer, term)
		return
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      n.entriesFromLocked(nextIndex),
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.heartbeatInterval*2)
	defer cancel()

	resp, err := n.transport.AppendEntries(ctx, peer.RaftAddr, req)
	if err != nil {
		// Transient failures are retried on the next heartbeat; they are
		// never treated as membership loss.
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.storage.CurrentTerm() {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != Leader || resp.Term != term {
		return
	}

	n.lastContact[peer.ID] = time.Now()

	if !resp.Success {
		// Log inconsistency: back up and retry on the next round. The
		// follower's hint skips whole conflicting stretches.
		if resp.ConflictIndex > 0 && resp.ConflictIndex < n.nextIndex[peer.ID] {
			n.nextIndex[peer.ID] = resp.ConflictIndex
		} else if n.nextIndex[peer.ID] > 1 {
			n.nextIndex[peer.ID]--
		}
		return
	}

	if len(req.Entries) > 0 {
		last := req.Entries[len(req.Entries)-1].Index
		n.matchIndex[peer.ID] = last
		n.nextIndex[peer.ID] = last + 1
	} else if resp.MatchIndex > n.matchIndex[peer.ID] {
		n.matchIndex[peer.ID] = resp.MatchIndex
	}

	n.advanceCommitLocked()
	n.maybePromoteLocked(peer.ID)
}

// advanceCommitLocked moves the commit index to the highest entry of the
// current term replicated on a strict majority of voters, then signals the
// apply loop. Entries from prior terms ride over the line with it.
func (n *Node) advanceCommitLocked() {
	if n.role != Leader {
		return
	}

	term := n.storage.CurrentTerm()
	voters := n.config.Voters()
	quorum := n.config.Quorum()
	advanced := false

	for idx := n.commitIndex + 1; idx <= n.lastIndexLocked(); idx++ {
		entryTerm, ok := n.termAtLocked(idx)
		if !ok {
			break
		}
		// Only entries of the current term commit by counting replicas.
		if entryTerm != term {
			continue
		}

		count := 0
		for _, id := range voters {
			if id == n.id {
				count++
				continue
			}
			if n.matchIndex[id] >= idx {
				count++
			}
		}
		if count < quorum {
			break
		}
		n.commitIndex = idx
		advanced = true
	}

	if advanced {
		n.notifyApply()
	}
}

// sendSnapshot fast-forwards a peer whose next entry has been compacted.
func (n *Node) sendSnapshot(peer Member, term uint64) {
	n.mu.Lock()
	data, ok, err := n.storage.LoadSnapshot()
	if err != nil || !ok {
		n.mu.Unlock()
		if err != nil {
			n.logger.Error("cannot load snapshot for peer", "peer", peer.ID, "error", err)
		}
		return
	}
	req := &InstallSnapshotRequest{
		Term:              term,
		LeaderID:          n.id,
		LastIncludedIndex: n.storage.SnapshotIndex(),
		LastIncludedTerm:  n.storage.SnapshotTerm(),
		Configuration:     n.config.Clone(),
		Data:              data,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.electionTimeout)
	defer cancel()

	resp, err := n.transport.InstallSnapshot(ctx, peer.RaftAddr, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.storage.CurrentTerm() {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != Leader {
		return
	}

	n.lastContact[peer.ID] = time.Now()
	n.matchIndex[peer.ID] = req.LastIncludedIndex
	n.nextIndex[peer.ID] = req.LastIncludedIndex + 1
	n.logger.Info("installed snapshot on peer", "peer", peer.ID, "index", req.LastIncludedIndex)
}
