package raft

import (
	"context"
	"sync"
	"time"
)

// startElection transitions to Candidate and solicits votes from every
// voting member. Wins on a strict majority for the proposed term.
func (n *Node) startElection() {
	n.mu.Lock()

	n.role = Candidate
	n.leaderID = 0

	term := n.storage.CurrentTerm() + 1
	if err := n.storage.SetTermAndVote(term, n.id); err != nil {
		n.logger.Error("cannot persist candidate term", "error", err)
		n.role = Follower
		n.resetElectionTimerLocked()
		n.mu.Unlock()
		return
	}

	lastLogIndex := n.lastIndexLocked()
	lastLogTerm := n.lastTermLocked()
	voters := n.config.Voters()
	quorum := n.config.Quorum()
	members := n.config.Clone().Members

	// Retry with a fresh randomized timeout if this round fails.
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	n.logger.Info("starting election", "term", term)

	// Count self immediately; a singleton voter wins on the spot.
	votes := 1
	var voteMu sync.Mutex
	if votes >= quorum {
		n.becomeLeader(term)
		return
	}

	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	for _, voterID := range voters {
		if voterID == n.id {
			continue
		}
		member, ok := members[voterID]
		if !ok {
			continue
		}

		go func(m Member) {
			ctx, cancel := context.WithTimeout(context.Background(), n.electionTimeout)
			defer cancel()

			resp, err := n.transport.RequestVote(ctx, m.RaftAddr, req)
			if err != nil {
				// Unreachable peer; the randomized retry handles it.
				return
			}

			n.mu.Lock()
			if resp.Term > n.storage.CurrentTerm() {
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()

			if !resp.VoteGranted {
				return
			}

			voteMu.Lock()
			votes++
			won := votes >= quorum
			voteMu.Unlock()
			if won {
				n.becomeLeader(term)
			}
		}(member)
	}
}

// becomeLeader installs leader state for term, appends a no-op entry to
// commit leftovers from prior terms, and starts the heartbeat ticker.
func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()

	// Votes can arrive after a step-down; only a candidate still at the
	// election's term may take leadership.
	if n.stopped || n.role != Candidate || n.storage.CurrentTerm() != term {
		n.mu.Unlock()
		return
	}

	n.role = Leader
	n.leaderID = n.id

	lastIndex := n.lastIndexLocked()
	now := time.Now()
	for id := range n.config.Members {
		if id == n.id {
			continue
		}
		n.nextIndex[id] = lastIndex + 1
		n.matchIndex[id] = 0
		n.lastContact[id] = now
	}

	// Raft never commits prior-term entries by counting; the no-op of the
	// new term carries them over the commit line.
	noop := Entry{Index: lastIndex + 1, Term: term, Type: EntryNoop}
	if err := n.storage.Append([]Entry{noop}); err != nil {
		n.logger.Error("cannot append leader no-op", "error", err)
		n.stepDownLocked(term)
		n.mu.Unlock()
		return
	}

	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
	}
	n.heartbeatTicker = time.NewTicker(n.heartbeatInterval)
	ticker := n.heartbeatTicker
	// Registered while still holding the mutex: Stop sets stopped and
	// closes shutdownCh under the same lock, so it either sees this
	// goroutine in the WaitGroup or this call bails on stopped above.
	n.wg.Add(1)
	n.mu.Unlock()

	n.logger.Info("became leader", "term", term)

	go n.runHeartbeats(ticker)

	// Single-voter cluster commits its own entries immediately.
	n.mu.Lock()
	n.advanceCommitLocked()
	n.mu.Unlock()

	n.broadcastAppend()
}

// stepDownLocked reverts to Follower after observing a higher term from any
// peer. The node stops answering write requests immediately; pending
// proposal waiters fail with a leader hint.
func (n *Node) stepDownLocked(term uint64) {
	current := n.storage.CurrentTerm()
	if term > current {
		if err := n.storage.SetTermAndVote(term, 0); err != nil {
			n.logger.Error("cannot persist term on step down", "error", err)
		}
	}

	wasLeader := n.role == Leader
	n.role = Follower
	if wasLeader {
		n.leaderID = 0
	}

	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
		n.heartbeatTicker = nil
	}
	for idx, ch := range n.waiters {
		ch <- applyResult{err: n.notLeaderErrLocked()}
		delete(n.waiters, idx)
	}

	n.resetElectionTimerLocked()

	if wasLeader {
		n.logger.Info("stepped down", "term", term)
	}
}
