package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// Membership changes travel through the replicated log as EntryConfig
// entries and take effect as soon as they are appended. Changes proceed
// strictly one at a time: a new change is rejected while the previous
// configuration entry is uncommitted, which keeps every majority
// computation unambiguous.

// learnerCatchupSlack is how close (in entries) a learner's match index
// must be to the leader's last index before promotion to voter.
const learnerCatchupSlack = 16

// HandleJoin admits a new member. Non-leaders answer with a leader hint so
// the joiner retries there. The member enters as a non-voting learner; the
// leader promotes it once it has caught up, so a lagging new node is never
// counted toward a majority prematurely.
func (n *Node) HandleJoin(req *JoinRequest) *JoinResponse {
	n.mu.Lock()
	if n.role != Leader {
		resp := &JoinResponse{LeaderID: n.leaderID}
		if m, ok := n.config.Members[n.leaderID]; ok {
			resp.LeaderAddr = m.RaftAddr
		}
		resp.Error = "not the leader"
		n.mu.Unlock()
		return resp
	}

	if existing, ok := n.config.Members[req.ID]; ok {
		// Rejoin of a known member: refresh addresses if they moved,
		// otherwise the join is a no-op.
		if existing.RaftAddr == req.RaftAddr && existing.APIAddr == req.APIAddr {
			n.mu.Unlock()
			return &JoinResponse{OK: true}
		}
	}

	cfg, err := n.changedConfigLocked(func(c *Configuration) {
		voter := false
		if existing, ok := c.Members[req.ID]; ok {
			voter = existing.Voter
		}
		c.Members[req.ID] = Member{ID: req.ID, RaftAddr: req.RaftAddr, APIAddr: req.APIAddr, Voter: voter}
	})
	if err != nil {
		n.mu.Unlock()
		return &JoinResponse{Error: err.Error()}
	}

	if err := n.appendConfigLocked(cfg); err != nil {
		n.mu.Unlock()
		return &JoinResponse{Error: err.Error()}
	}
	n.mu.Unlock()

	n.logger.Info("admitted learner", "member", req.ID, "raft_addr", req.RaftAddr)
	n.broadcastAppend()
	return &JoinResponse{OK: true}
}

// RemoveMember proposes the permanent departure of a member. Leader-only.
func (n *Node) RemoveMember(ctx context.Context, id uint64) error {
	n.mu.Lock()
	if n.role != Leader {
		err := n.notLeaderErrLocked()
		n.mu.Unlock()
		return err
	}
	if id == n.id {
		n.mu.Unlock()
		return fmt.Errorf("leader cannot remove itself; transfer leadership first")
	}
	if _, ok := n.config.Members[id]; !ok {
		n.mu.Unlock()
		return fmt.Errorf("member %d: %w", id, errors.ErrNotFound)
	}

	cfg, err := n.changedConfigLocked(func(c *Configuration) {
		delete(c.Members, id)
	})
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if err := n.appendConfigLocked(cfg); err != nil {
		n.mu.Unlock()
		return err
	}
	index := n.configIndex
	n.mu.Unlock()

	n.broadcastAppend()
	n.logger.Info("removing member", "member", id)
	return n.waitCommitted(ctx, index)
}

// maybePromoteLocked promotes a caught-up learner to voter. Called from the
// replication path after matchIndex moves.
func (n *Node) maybePromoteLocked(id uint64) {
	if n.role != Leader {
		return
	}
	m, ok := n.config.Members[id]
	if !ok || m.Voter {
		return
	}
	if n.matchIndex[id] < n.commitIndex {
		return
	}
	if n.lastIndexLocked()-n.matchIndex[id] > learnerCatchupSlack {
		return
	}

	cfg, err := n.changedConfigLocked(func(c *Configuration) {
		member := c.Members[id]
		member.Voter = true
		c.Members[id] = member
	})
	if err != nil {
		// Another change is still in flight; the next replication round
		// retries.
		return
	}
	if err := n.appendConfigLocked(cfg); err != nil {
		n.logger.Error("cannot append promotion", "member", id, "error", err)
		return
	}
	n.logger.Info("promoted learner to voter", "member", id)
}

// changedConfigLocked clones the configuration, applies mutate, and
// enforces the one-change-at-a-time rule.
func (n *Node) changedConfigLocked(mutate func(*Configuration)) (Configuration, error) {
	if n.configIndex > n.commitIndex {
		return Configuration{}, errors.ErrMembershipChangeInFlight
	}
	cfg := n.config.Clone()
	mutate(&cfg)
	return cfg, nil
}

// appendConfigLocked appends and persists a configuration entry. The new
// configuration takes effect immediately on the leader.
func (n *Node) appendConfigLocked(cfg Configuration) error {
	entry := Entry{
		Index:   n.lastIndexLocked() + 1,
		Term:    n.storage.CurrentTerm(),
		Type:    EntryConfig,
		Command: cfg.encode(),
	}
	if err := n.storage.Append([]Entry{entry}); err != nil {
		return err
	}
	n.config = cfg
	n.configIndex = entry.Index
	if err := n.storage.SetConfiguration(cfg, entry.Index); err != nil {
		return err
	}
	// A single-voter cluster commits the change on its own.
	n.advanceCommitLocked()
	return nil
}

// waitCommitted blocks until index is committed locally.
func (n *Node) waitCommitted(ctx context.Context, index uint64) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		committed := n.commitIndex >= index
		n.mu.Unlock()
		if committed {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.ErrCommitTimeout
		case <-n.shutdownCh:
			return errors.ErrShutdown
		case <-ticker.C:
		}
	}
}

// JoinCluster contacts candidate addresses until the leader admits this
// node as a learner. Used by a fresh non-seed node at startup; the node
// then catches up via normal replication and is promoted by the leader.
func (n *Node) JoinCluster(ctx context.Context, candidates []string) error {
	req := &JoinRequest{ID: n.id, RaftAddr: n.raftAddr, APIAddr: n.apiAddr}

	backoff := 250 * time.Millisecond
	for {
		for _, addr := range candidates {
			if addr == n.raftAddr {
				continue
			}
			callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			resp, err := n.transport.Join(callCtx, addr, req)
			cancel()
			if err != nil {
				continue
			}
			if resp.OK {
				n.logger.Info("joined cluster", "via", addr)
				return nil
			}
			if resp.LeaderAddr != "" && resp.LeaderAddr != addr {
				callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				hinted, err := n.transport.Join(callCtx, resp.LeaderAddr, req)
				cancel()
				if err == nil && hinted.OK {
					n.logger.Info("joined cluster", "via", resp.LeaderAddr)
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("join cluster: %w", ctx.Err())
		case <-n.shutdownCh:
			return errors.ErrShutdown
		case <-time.After(backoff):
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
}
