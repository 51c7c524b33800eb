package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// Options configures a raft node.
type Options struct {
	ID       uint64
	RaftAddr string
	APIAddr  string

	Storage      *Storage
	StateMachine StateMachine
	Transport    Transport
	Logger       hclog.Logger

	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	SnapshotThreshold uint64
}

type applyResult struct {
	data []byte
	err  error
}

// Node is a single raft peer. All mutable consensus state is guarded by one
// mutex; disk writes happen while holding it so an acknowledged entry is
// always durable. Committed entries are handed to a dedicated apply
// goroutine, which keeps the state machine off the heartbeat path.
type Node struct {
	id       uint64
	raftAddr string
	apiAddr  string

	storage   *Storage
	sm        StateMachine
	transport Transport
	logger    hclog.Logger

	electionTimeout   time.Duration
	heartbeatInterval time.Duration
	snapshotThreshold uint64

	mu          sync.Mutex
	role        Role
	leaderID    uint64
	commitIndex uint64
	lastApplied uint64

	config      Configuration
	configIndex uint64

	// leader-only replication tracking
	nextIndex   map[uint64]uint64
	matchIndex  map[uint64]uint64
	lastContact map[uint64]time.Time

	waiters map[uint64]chan applyResult

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	applyCh    chan struct{}
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    bool
}

// NewNode creates a node from persisted storage. Prior snapshot state is
// restored into the state machine before the node serves anything.
func NewNode(opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.ElectionTimeout <= 0 {
		opts.ElectionTimeout = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.ElectionTimeout / 4
	}
	if opts.SnapshotThreshold == 0 {
		opts.SnapshotThreshold = 4096
	}

	n := &Node{
		id:                opts.ID,
		raftAddr:          opts.RaftAddr,
		apiAddr:           opts.APIAddr,
		storage:           opts.Storage,
		sm:                opts.StateMachine,
		transport:         opts.Transport,
		logger:            opts.Logger.Named("raft").With("node", opts.ID),
		electionTimeout:   opts.ElectionTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		snapshotThreshold: opts.SnapshotThreshold,
		role:              Follower,
		nextIndex:         make(map[uint64]uint64),
		matchIndex:        make(map[uint64]uint64),
		lastContact:       make(map[uint64]time.Time),
		waiters:           make(map[uint64]chan applyResult),
		applyCh:           make(chan struct{}, 1),
		shutdownCh:        make(chan struct{}),
	}

	n.config = opts.Storage.Configuration()
	n.configIndex = opts.Storage.ConfigIndex()

	if data, ok, err := opts.Storage.LoadSnapshot(); err != nil {
		return nil, err
	} else if ok {
		if err := n.sm.Restore(data); err != nil {
			return nil, fmt.Errorf("%w: restore snapshot: %v", errors.ErrCorruptState, err)
		}
		n.lastApplied = opts.Storage.SnapshotIndex()
		n.commitIndex = opts.Storage.SnapshotIndex()
	}

	// Replay config entries above the persisted configuration, if any
	// survived in the log without being reflected in meta.
	for _, e := range opts.Storage.Entries() {
		if e.Type == EntryConfig && e.Index > n.configIndex {
			cfg, err := decodeConfiguration(e.Command)
			if err != nil {
				return nil, fmt.Errorf("%w: config entry %d: %v", errors.ErrCorruptState, e.Index, err)
			}
			n.config = cfg
			n.configIndex = e.Index
		}
	}

	return n, nil
}

// Bootstrap initializes a brand-new single-node cluster with this node as
// the sole voting member. Only valid on storage with no prior state; the
// caller gates this on the discovery seed decision and a fresh state dir.
func (n *Node) Bootstrap() error {
	if n.storage.HasState() {
		return fmt.Errorf("bootstrap refused: node %d already has on-disk state", n.id)
	}

	cfg := Configuration{Members: map[uint64]Member{
		n.id: {ID: n.id, RaftAddr: n.raftAddr, APIAddr: n.apiAddr, Voter: true},
	}}
	entry := Entry{Index: 1, Term: 1, Type: EntryConfig, Command: cfg.encode()}

	if err := n.storage.SetTermAndVote(1, n.id); err != nil {
		return err
	}
	if err := n.storage.Append([]Entry{entry}); err != nil {
		return err
	}
	if err := n.storage.SetConfiguration(cfg, 1); err != nil {
		return err
	}

	n.mu.Lock()
	n.config = cfg
	n.configIndex = 1
	n.mu.Unlock()

	n.logger.Info("bootstrapped new cluster", "raft_addr", n.raftAddr)
	return nil
}

// Start launches the election timer and apply loops.
func (n *Node) Start() {
	n.mu.Lock()
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	n.wg.Add(2)
	go n.runElectionTimer()
	go n.runApply()

	// The bootstrap seed is the sole voter and wins its election on the
	// first timeout; no need to wait for it.
	n.logger.Info("node started", "last_index", n.lastIndexLocked())
}

// Stop terminates all background work. In-flight proposals fail with
// ErrShutdown.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.shutdownCh)
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
	}
	for idx, ch := range n.waiters {
		ch <- applyResult{err: errors.ErrShutdown}
		delete(n.waiters, idx)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

// ID returns the node id.
func (n *Node) ID() uint64 { return n.id }

// Status returns a point-in-time view of the node.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := Status{
		ID:          n.id,
		Role:        n.roleLocked().String(),
		Term:        n.storage.CurrentTerm(),
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   n.lastIndexLocked(),
		SnapIndex:   n.storage.SnapshotIndex(),
		Members:     n.config.Clone().Members,
	}
	if m, ok := n.config.Members[n.leaderID]; ok {
		st.LeaderAddr = m.APIAddr
	}
	return st
}

// Ready reports whether this node knows a leader and has applied the log up
// to the leader's commit point as of the last heartbeat. Callers must not
// route client traffic to a live-but-not-ready node.
func (n *Node) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == 0 {
		return false
	}
	return n.lastApplied >= n.commitIndex
}

// IsLeader reports current leadership belief.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderAPIAddr returns the client-facing address of the last known leader.
func (n *Node) LeaderAPIAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.config.Members[n.leaderID]; ok {
		return m.APIAddr
	}
	return ""
}

// AppliedIndex returns the index the local state machine reflects.
func (n *Node) AppliedIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// roleLocked reports the externally visible role: a member that is not a
// voter presents as Learner regardless of internal follower state.
func (n *Node) roleLocked() Role {
	if n.role == Leader || n.role == Candidate {
		return n.role
	}
	if m, ok := n.config.Members[n.id]; ok && !m.Voter {
		return Learner
	}
	return Follower
}

// Propose appends a command to the replicated log and blocks until it is
// committed and applied, the context expires, or leadership is lost.
// Acknowledgment prior to commit is never exposed: callers only see the
// post-apply result. A context timeout means the command may still commit
// later, so callers retry with the same dedup token.
func (n *Node) Propose(ctx context.Context, command []byte) ([]byte, uint64, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, 0, errors.ErrShutdown
	}
	if n.role != Leader {
		err := n.notLeaderErrLocked()
		n.mu.Unlock()
		return nil, 0, err
	}
	if !n.quorumContactedLocked() {
		n.mu.Unlock()
		return nil, 0, errors.ErrQuorumLost
	}

	entry := Entry{
		Index:   n.lastIndexLocked() + 1,
		Term:    n.storage.CurrentTerm(),
		Type:    EntryCommand,
		Command: command,
	}
	if err := n.storage.Append([]Entry{entry}); err != nil {
		n.mu.Unlock()
		return nil, 0, err
	}

	ch := make(chan applyResult, 1)
	n.waiters[entry.Index] = ch
	// A cluster whose only voter is this leader commits on append; with
	// peers the commit waits for their acks in the replication path.
	n.advanceCommitLocked()
	n.mu.Unlock()

	n.broadcastAppend()

	select {
	case res := <-ch:
		return res.data, entry.Index, res.err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, entry.Index)
		n.mu.Unlock()
		return nil, 0, errors.ErrCommitTimeout
	case <-n.shutdownCh:
		return nil, 0, errors.ErrShutdown
	}
}

// Barrier waits until the local state machine has applied everything
// committed as of the call. Leader-only; used for strict reads.
func (n *Node) Barrier(ctx context.Context) error {
	n.mu.Lock()
	if n.role != Leader {
		err := n.notLeaderErrLocked()
		n.mu.Unlock()
		return err
	}
	if !n.quorumContactedLocked() {
		n.mu.Unlock()
		return errors.ErrQuorumLost
	}
	target := n.commitIndex
	n.mu.Unlock()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		applied := n.lastApplied
		n.mu.Unlock()
		if applied >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.shutdownCh:
			return errors.ErrShutdown
		case <-ticker.C:
		}
	}
}

func (n *Node) notLeaderErrLocked() error {
	err := &errors.NotLeaderError{LeaderID: n.leaderID}
	if m, ok := n.config.Members[n.leaderID]; ok {
		err.LeaderAddr = m.APIAddr
	}
	return err
}

// quorumContactedLocked reports whether a strict majority of voters
// (counting self) responded within two election timeouts. A leader cut off
// by a partition stops acknowledging writes instead of serving stale truth.
func (n *Node) quorumContactedLocked() bool {
	voters := n.config.Voters()
	if len(voters) == 0 {
		return false
	}
	deadline := time.Now().Add(-2 * n.electionTimeout)
	contacted := 0
	for _, id := range voters {
		if id == n.id {
			contacted++
			continue
		}
		if t, ok := n.lastContact[id]; ok && t.After(deadline) {
			contacted++
		}
	}
	return contacted >= n.config.Quorum()
}

// Log position helpers; callers hold n.mu.

func (n *Node) lastIndexLocked() uint64 {
	entries := n.storage.Entries()
	if len(entries) > 0 {
		return entries[len(entries)-1].Index
	}
	return n.storage.SnapshotIndex()
}

func (n *Node) lastTermLocked() uint64 {
	entries := n.storage.Entries()
	if len(entries) > 0 {
		return entries[len(entries)-1].Term
	}
	return n.storage.SnapshotTerm()
}

// termAtLocked returns the term of the entry at index, or false if the
// index is below the snapshot horizon or beyond the log.
func (n *Node) termAtLocked(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if index == n.storage.SnapshotIndex() {
		return n.storage.SnapshotTerm(), true
	}
	entries := n.storage.Entries()
	if len(entries) == 0 {
		return 0, false
	}
	first := entries[0].Index
	if index < first || index > entries[len(entries)-1].Index {
		return 0, false
	}
	return entries[index-first].Term, true
}

func (n *Node) entriesFromLocked(index uint64) []Entry {
	entries := n.storage.Entries()
	if len(entries) == 0 {
		return nil
	}
	first := entries[0].Index
	if index < first {
		return nil
	}
	if index > entries[len(entries)-1].Index {
		return nil
	}
	out := make([]Entry, len(entries[index-first:]))
	copy(out, entries[index-first:])
	return out
}

func (n *Node) resetElectionTimerLocked() {
	// Randomized so all followers don't campaign at once after a leader
	// failure.
	timeout := n.electionTimeout + time.Duration(rand.Int63n(int64(n.electionTimeout)))
	if n.electionTimer == nil {
		n.electionTimer = time.NewTimer(timeout)
		return
	}
	// Drain a pending expiry before Reset so a stale fire cannot start a
	// spurious election.
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(timeout)
}

func (n *Node) runElectionTimer() {
	defer n.wg.Done()

	for {
		n.mu.Lock()
		timer := n.electionTimer
		n.mu.Unlock()

		select {
		case <-n.shutdownCh:
			return
		case <-timer.C:
			n.onElectionTimeout()
		}
	}
}

func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	if n.stopped || n.role == Leader {
		n.mu.Unlock()
		return
	}
	m, isMember := n.config.Members[n.id]
	if !isMember || !m.Voter {
		// Learners and unjoined nodes never campaign; they wait for a
		// leader to contact them.
		n.resetElectionTimerLocked()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.startElection()
}

// notifyApply nudges the apply loop after the commit index advances.
func (n *Node) notifyApply() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

func (n *Node) runApply() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-n.applyCh:
			n.applyCommitted()
		}
	}
}

// applyCommitted applies entries in strict index order. State machine calls
// happen outside the node mutex so slow applies never stall heartbeats or
// elections; ordering is preserved because this is the only goroutine that
// advances lastApplied.
func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		next := n.lastApplied + 1
		pending := n.entriesFromLocked(next)
		commit := n.commitIndex
		n.mu.Unlock()

		for _, entry := range pending {
			if entry.Index > commit {
				break
			}

			var res applyResult
			switch entry.Type {
			case EntryCommand:
				res.data, res.err = n.sm.Apply(entry.Index, entry.Command)
			case EntryConfig, EntryNoop:
				// Config entries took effect at append time.
			}

			n.mu.Lock()
			n.lastApplied = entry.Index
			if ch, ok := n.waiters[entry.Index]; ok {
				delete(n.waiters, entry.Index)
				ch <- res
			}
			n.mu.Unlock()
		}

		n.maybeSnapshot()
	}
}

// maybeSnapshot compacts the log once the applied suffix exceeds the
// snapshot threshold.
func (n *Node) maybeSnapshot() {
	n.mu.Lock()
	snapIndex := n.storage.SnapshotIndex()
	applied := n.lastApplied
	if applied < snapIndex || applied-snapIndex < n.snapshotThreshold {
		n.mu.Unlock()
		return
	}
	term, ok := n.termAtLocked(applied)
	if !ok {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("snapshot failed", "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	// The apply goroutine is the only writer of lastApplied, so applied is
	// still the true applied index here.
	if err := n.storage.Compact(applied, term, data); err != nil {
		n.logger.Error("log compaction failed", "error", err)
		return
	}
	n.logger.Info("log compacted", "snapshot_index", applied, "snapshot_term", term)
}
