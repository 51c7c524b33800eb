// Package metrics registers and records the coordinator's Prometheus
// metrics. All collectors register through promauto on the default
// registry and are served from the coordinator API's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "indexify"
	subsystem = "coordinator"
)

var (
	// RaftTerm is the current raft term observed by this node.
	RaftTerm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "raft_term",
			Help:      "Current raft term",
		},
	)

	// RaftCommitIndex is the highest log index known committed.
	RaftCommitIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "raft_commit_index",
			Help:      "Highest committed raft log index",
		},
	)

	// RaftAppliedIndex is the highest log index applied to the state machine.
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "raft_applied_index",
			Help:      "Highest raft log index applied to the state machine",
		},
	)

	// RaftRole reports the node role as a numeric code.
	RaftRole = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "raft_role",
			Help:      "Node role (0=follower, 1=candidate, 2=leader, 3=learner)",
		},
	)

	// LeaderChangesTotal counts observed leadership transitions.
	LeaderChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leader_changes_total",
			Help:      "Total number of observed leader changes",
		},
	)

	// ProposalsTotal counts replicated write proposals.
	ProposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "proposals_total",
			Help:      "Total number of write proposals",
		},
		[]string{"op", "status"}, // status: success/error
	)

	// ProposalDuration measures propose-to-apply latency.
	ProposalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "proposal_duration_seconds",
			Help:      "Write proposal commit latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	// APIRequestsTotal counts coordinator API requests.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_requests_total",
			Help:      "Total number of coordinator API requests",
		},
		[]string{"method", "route", "code"},
	)

	// APIRequestDuration measures API handler latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_request_duration_seconds",
			Help:      "Coordinator API request latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// CacheHits counts metadata cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_hits_total",
			Help:      "Total number of metadata cache hits",
		},
	)

	// CacheMisses counts metadata cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_misses_total",
			Help:      "Total number of metadata cache misses",
		},
	)

	// RaftSnapshotIndex is the last index covered by a raft snapshot.
	RaftSnapshotIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "raft_snapshot_index",
			Help:      "Last raft log index covered by a snapshot",
		},
	)

	// MemoryUsage tracks process memory usage.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info.
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "info",
			Help:      "Coordinator build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks seconds since process start.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
)

// InitInfo initializes the build info metric.
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}

// RecordProposal records one replicated write proposal.
func RecordProposal(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ProposalsTotal.WithLabelValues(op, status).Inc()
	ProposalDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAPIRequest records one coordinator API request.
func RecordAPIRequest(method, route string, code int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, codeLabel(code)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheHit records a metadata cache hit.
func RecordCacheHit() { CacheHits.Inc() }

// RecordCacheMiss records a metadata cache miss.
func RecordCacheMiss() { CacheMisses.Inc() }

// RecordLeaderChange records an observed leadership transition.
func RecordLeaderChange() { LeaderChangesTotal.Inc() }

func codeLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
