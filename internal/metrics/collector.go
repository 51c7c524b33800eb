package metrics

import (
	"runtime"
	"time"

	"github.com/rodrigogalhardo/indexify/internal/raft"
)

// Collector periodically samples raft status and process stats into the
// registered gauges.
type Collector struct {
	startTime time.Time
	status    func() raft.Status

	lastLeader uint64
}

// NewCollector creates a collector. status is sampled on every Collect.
func NewCollector(status func() raft.Status) *Collector {
	return &Collector{
		startTime: time.Now(),
		status:    status,
	}
}

// Run samples until stop is closed.
func (c *Collector) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-stop:
			return
		}
	}
}

// Collect samples once.
func (c *Collector) Collect() {
	c.collectRaft()
	c.collectMemory()
	Uptime.Set(time.Since(c.startTime).Seconds())
}

func (c *Collector) collectRaft() {
	st := c.status()
	RaftTerm.Set(float64(st.Term))
	RaftCommitIndex.Set(float64(st.CommitIndex))
	RaftAppliedIndex.Set(float64(st.LastApplied))
	RaftRole.Set(float64(roleCode(st.Role)))
	RaftSnapshotIndex.Set(float64(st.SnapIndex))

	if st.LeaderID != 0 && st.LeaderID != c.lastLeader {
		if c.lastLeader != 0 {
			RecordLeaderChange()
		}
		c.lastLeader = st.LeaderID
	}
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func roleCode(role string) int {
	switch role {
	case "follower":
		return 0
	case "candidate":
		return 1
	case "leader":
		return 2
	case "learner":
		return 3
	default:
		return -1
	}
}
