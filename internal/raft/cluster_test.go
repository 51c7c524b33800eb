package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// memNetwork routes RPCs between in-process nodes by raft address.
type memNetwork struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	partitioned map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:       make(map[string]*Node),
		partitioned: make(map[string]bool),
	}
}

func (net *memNetwork) register(addr string, n *Node) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.nodes[addr] = n
}

func (net *memNetwork) setPartitioned(addr string, cut bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.partitioned[addr] = cut
}

func (net *memNetwork) lookup(from, to string) (*Node, error) {
	net.mu.Lock()
	defer net.mu.Unlock()
	if net.partitioned[from] || net.partitioned[to] {
		return nil, fmt.Errorf("network partition between %s and %s", from, to)
	}
	n, ok := net.nodes[to]
	if !ok {
		return nil, fmt.Errorf("no node at %s", to)
	}
	return n, nil
}

// memTransport is one node's view of the network.
type memTransport struct {
	net  *memNetwork
	from string
}

func (t *memTransport) AppendEntries(ctx context.Context, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n, err := t.net.lookup(t.from, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleAppendEntries(req), nil
}

func (t *memTransport) RequestVote(ctx context.Context, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n, err := t.net.lookup(t.from, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleRequestVote(req), nil
}

func (t *memTransport) InstallSnapshot(ctx context.Context, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	n, err := t.net.lookup(t.from, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleInstallSnapshot(req), nil
}

func (t *memTransport) Join(ctx context.Context, addr string, req *JoinRequest) (*JoinResponse, error) {
	n, err := t.net.lookup(t.from, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleJoin(req), nil
}

// appendSM is a state machine that records applied commands.
type appendSM struct {
	mu      sync.Mutex
	applied []string
}

func (s *appendSM) Apply(index uint64, command []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, string(command))
	return command, nil
}

func (s *appendSM) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.applied)
}

func (s *appendSM) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = nil
	return json.Unmarshal(data, &s.applied)
}

func (s *appendSM) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

type testNode struct {
	node *Node
	sm   *appendSM
	addr string
}

func startTestNode(t *testing.T, net *memNetwork, id uint64, snapshotThreshold uint64) *testNode {
	t.Helper()
	addr := fmt.Sprintf("node-%d:8970", id)
	storage, err := OpenStorage(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	sm := &appendSM{}
	node, err := NewNode(Options{
		ID:                id,
		RaftAddr:          addr,
		APIAddr:           fmt.Sprintf("node-%d:8950", id),
		Storage:           storage,
		StateMachine:      sm,
		Transport:         &memTransport{net: net, from: addr},
		ElectionTimeout:   150 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		SnapshotThreshold: snapshotThreshold,
	})
	if err != nil {
		t.Fatalf("create node %d: %v", id, err)
	}
	net.register(addr, node)
	return &testNode{node: node, sm: sm, addr: addr}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findLeader(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	var leader *testNode
	waitFor(t, 5*time.Second, "a leader", func() bool {
		for _, tn := range nodes {
			if tn.node.IsLeader() {
				leader = tn
				return true
			}
		}
		return false
	})
	return leader
}

// startCluster bootstraps node 1 and joins the rest, waiting until every
// node is a promoted voter.
func startCluster(t *testing.T, net *memNetwork, size int, snapshotThreshold uint64) []*testNode {
	t.Helper()
	nodes := make([]*testNode, 0, size)
	for i := 1; i <= size; i++ {
		nodes = append(nodes, startTestNode(t, net, uint64(i), snapshotThreshold))
	}

	if err := nodes[0].node.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, tn := range nodes {
		tn.node.Start()
		t.Cleanup(tn.node.Stop)
	}
	findLeader(t, nodes[:1])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, tn := range nodes[1:] {
		if err := tn.node.JoinCluster(ctx, []string{nodes[0].addr}); err != nil {
			t.Fatalf("join %s: %v", tn.addr, err)
		}
	}

	waitFor(t, 10*time.Second, "all members promoted to voter", func() bool {
		status := nodes[0].node.Status()
		if len(status.Members) != size {
			return false
		}
		for _, m := range status.Members {
			if !m.Voter {
				return false
			}
		}
		return true
	})
	return nodes
}

func propose(t *testing.T, tn *testNode, command string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, _, err := tn.node.Propose(ctx, []byte(command))
	if err != nil {
		t.Fatalf("propose %q on %s: %v", command, tn.addr, err)
	}
	if string(result) != command {
		t.Fatalf("propose %q returned %q", command, result)
	}
}

func TestSingleNodeBootstrap(t *testing.T) {
	net := newMemNetwork()
	tn := startTestNode(t, net, 1, 0)
	if err := tn.node.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	tn.node.Start()
	defer tn.node.Stop()

	findLeader(t, []*testNode{tn})
	propose(t, tn, "cmd-1")
	propose(t, tn, "cmd-2")

	waitFor(t, 2*time.Second, "commands applied", func() bool {
		return len(tn.sm.commands()) == 2
	})
	if !tn.node.Ready() {
		t.Fatal("bootstrapped leader should be ready")
	}
}

// A leader whose voter set shrinks back to itself keeps committing: the
// commit line advances on append when no peer acks are needed.
func TestCommitsAfterShrinkToSingleVoter(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 0)
	leader := findLeader(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, n := range nodes {
		if n == leader {
			continue
		}
		if err := leader.node.RemoveMember(ctx, n.node.ID()); err != nil {
			t.Fatalf("remove member %d: %v", n.node.ID(), err)
		}
	}
	if got := len(leader.node.Status().Members); got != 1 {
		t.Fatalf("expected 1 remaining member, got %d", got)
	}

	propose(t, leader, "solo")
	waitFor(t, 2*time.Second, "solo command applied", func() bool {
		for _, cmd := range leader.sm.commands() {
			if cmd == "solo" {
				return true
			}
		}
		return false
	})
}

// Stop must be safe at any point around elections: either it sees the
// heartbeat goroutine in its wait group or the win is abandoned, and a
// drained election timer never fires a stale campaign afterward.
func TestStopDuringLeadershipChurn(t *testing.T) {
	for i := 0; i < 8; i++ {
		net := newMemNetwork()
		tn := startTestNode(t, net, 1, 0)
		if err := tn.node.Bootstrap(); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		tn.node.Start()
		time.Sleep(time.Duration(i) * 25 * time.Millisecond)
		tn.node.Stop()
	}
}

func TestBootstrapRefusesExistingState(t *testing.T) {
	net := newMemNetwork()
	tn := startTestNode(t, net, 1, 0)
	if err := tn.node.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := tn.node.Bootstrap(); err == nil {
		t.Fatal("second bootstrap should fail")
	}
}

func TestThreeNodeReplication(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 0)
	leader := findLeader(t, nodes)

	for i := 0; i < 5; i++ {
		propose(t, leader, fmt.Sprintf("cmd-%d", i))
	}

	waitFor(t, 5*time.Second, "replication to all nodes", func() bool {
		for _, tn := range nodes {
			cmds := tn.sm.commands()
			if len(cmds) != 5 || cmds[4] != "cmd-4" {
				return false
			}
		}
		return true
	})
}

func TestProposeOnFollowerReturnsLeaderHint(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 0)
	leader := findLeader(t, nodes)

	var follower *testNode
	for _, tn := range nodes {
		if tn != leader {
			follower = tn
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := follower.node.Propose(ctx, []byte("nope"))
	nle, ok := errors.IsNotLeader(err)
	if !ok {
		t.Fatalf("expected NotLeaderError, got %v", err)
	}
	if nle.LeaderID != leader.node.ID() {
		t.Fatalf("leader hint %d, want %d", nle.LeaderID, leader.node.ID())
	}
}

func TestLeaderFailover(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 0)
	leader := findLeader(t, nodes)
	propose(t, leader, "before-failover")

	net.setPartitioned(leader.addr, true)

	var remaining []*testNode
	for _, tn := range nodes {
		if tn != leader {
			remaining = append(remaining, tn)
		}
	}
	newLeader := findLeader(t, remaining)
	if newLeader == leader {
		t.Fatal("partitioned node cannot stay leader")
	}

	propose(t, newLeader, "after-failover")
	waitFor(t, 5*time.Second, "survivors apply both commands", func() bool {
		for _, tn := range remaining {
			cmds := tn.sm.commands()
			if len(cmds) != 2 || cmds[1] != "after-failover" {
				return false
			}
		}
		return true
	})

	// The deposed leader catches up after the partition heals.
	net.setPartitioned(leader.addr, false)
	waitFor(t, 5*time.Second, "old leader catches up", func() bool {
		cmds := leader.sm.commands()
		return len(cmds) == 2 && cmds[1] == "after-failover"
	})
}

func TestQuorumLossRejectsWrites(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 0)
	leader := findLeader(t, nodes)

	for _, tn := range nodes {
		if tn != leader {
			net.setPartitioned(tn.addr, true)
		}
	}

	// Give the leader time to notice both followers are unreachable.
	waitFor(t, 5*time.Second, "write rejection", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _, err := leader.node.Propose(ctx, []byte("doomed"))
		return err != nil
	})
}

func TestSnapshotInstallOnLaggingNode(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 8)
	leader := findLeader(t, nodes)

	var lagging *testNode
	for _, tn := range nodes {
		if tn != leader {
			lagging = tn
			break
		}
	}
	net.setPartitioned(lagging.addr, true)

	// Push the leader far enough past the snapshot threshold that the
	// lagging node's next index falls below the compacted prefix.
	for i := 0; i < 40; i++ {
		propose(t, leader, fmt.Sprintf("burst-%d", i))
	}
	waitFor(t, 5*time.Second, "leader compaction", func() bool {
		return leader.node.Status().LastIndex > 8 && snapshotIndexOf(leader) > 0
	})

	net.setPartitioned(lagging.addr, false)
	waitFor(t, 10*time.Second, "lagging node catches up", func() bool {
		cmds := lagging.sm.commands()
		return len(cmds) > 0 && cmds[len(cmds)-1] == "burst-39"
	})
}

func snapshotIndexOf(tn *testNode) uint64 {
	tn.node.mu.Lock()
	defer tn.node.mu.Unlock()
	return tn.node.storage.SnapshotIndex()
}

func TestBarrierOnLeader(t *testing.T) {
	net := newMemNetwork()
	nodes := startCluster(t, net, 3, 0)
	leader := findLeader(t, nodes)
	propose(t, leader, "x")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := leader.node.Barrier(ctx); err != nil {
		t.Fatalf("barrier on leader: %v", err)
	}
}

func TestRestartRejoinsFromDisk(t *testing.T) {
	net := newMemNetwork()
	dir := t.TempDir()

	storage, err := OpenStorage(dir)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	sm := &appendSM{}
	node, err := NewNode(Options{
		ID:              1,
		RaftAddr:        "node-1:8970",
		APIAddr:         "node-1:8950",
		Storage:         storage,
		StateMachine:    sm,
		Transport:       &memTransport{net: net, from: "node-1:8970"},
		ElectionTimeout: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	net.register("node-1:8970", node)
	if err := node.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	node.Start()
	tn := &testNode{node: node, sm: sm, addr: "node-1:8970"}
	findLeader(t, []*testNode{tn})
	propose(t, tn, "persisted")
	node.Stop()
	storage.Close()

	// Reopen the same directory; the log replays into a fresh machine.
	storage2, err := OpenStorage(dir)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer storage2.Close()
	if !storage2.HasState() {
		t.Fatal("restart should see prior state")
	}
	sm2 := &appendSM{}
	node2, err := NewNode(Options{
		ID:              1,
		RaftAddr:        "node-1:8970",
		APIAddr:         "node-1:8950",
		Storage:         storage2,
		StateMachine:    sm2,
		Transport:       &memTransport{net: net, from: "node-1:8970"},
		ElectionTimeout: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("recreate node: %v", err)
	}
	net.register("node-1:8970", node2)
	node2.Start()
	defer node2.Stop()

	tn2 := &testNode{node: node2, sm: sm2, addr: "node-1:8970"}
	findLeader(t, []*testNode{tn2})
	waitFor(t, 2*time.Second, "log replay", func() bool {
		cmds := sm2.commands()
		return len(cmds) == 1 && cmds[0] == "persisted"
	})
}
