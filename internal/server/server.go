// Package server implements the coordinator's client-facing HTTP API. It
// runs on its own listener, separate from raft replication, so client load
// can never starve consensus traffic.
package server

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rodrigogalhardo/indexify/internal/backend"
	"github.com/rodrigogalhardo/indexify/internal/metrics"
	"github.com/rodrigogalhardo/indexify/internal/raft"
	"github.com/rodrigogalhardo/indexify/internal/state"
)

// Options wires the server to its collaborators.
type Options struct {
	Logger        hclog.Logger
	Node          *raft.Node
	Machine       *state.Machine
	Blobs         backend.BlobStore
	Vectors       backend.VectorIndex
	Metadata      backend.MetadataStore
	Cache         backend.Cache
	CommitTimeout time.Duration

	// ForwardWrites proxies writes that arrive at a follower to the leader
	// instead of answering with a redirect hint.
	ForwardWrites bool
}

// Server serves the coordinator API.
type Server struct {
	log           hclog.Logger
	node          *raft.Node
	machine       *state.Machine
	blobs         backend.BlobStore
	vectors       backend.VectorIndex
	metadata      backend.MetadataStore
	cache         backend.Cache
	commitTimeout time.Duration
	forwardWrites bool
	proxy         *http.Client
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 5 * time.Second
	}
	return &Server{
		log:           opts.Logger.Named("api"),
		node:          opts.Node,
		machine:       opts.Machine,
		blobs:         opts.Blobs,
		vectors:       opts.Vectors,
		metadata:      opts.Metadata,
		cache:         opts.Cache,
		commitTimeout: opts.CommitTimeout,
		forwardWrites: opts.ForwardWrites,
		proxy:         &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /internal/propose", s.instrument("internal_propose", s.handleInternalPropose))

	mux.HandleFunc("GET /cluster/status", s.instrument("cluster_status", s.handleClusterStatus))
	mux.HandleFunc("GET /cluster/members", s.instrument("cluster_members", s.handleClusterMembers))
	mux.HandleFunc("DELETE /cluster/members/{id}", s.instrument("cluster_remove_member", s.handleRemoveMember))

	mux.HandleFunc("POST /namespaces", s.instrument("create_namespace", s.handleCreateNamespace))
	mux.HandleFunc("GET /namespaces", s.instrument("list_namespaces", s.handleListNamespaces))
	mux.HandleFunc("GET /namespaces/{ns}", s.instrument("get_namespace", s.handleGetNamespace))

	mux.HandleFunc("POST /namespaces/{ns}/content", s.instrument("put_content", s.handlePutContent))
	mux.HandleFunc("GET /namespaces/{ns}/content", s.instrument("list_content", s.handleListContent))
	mux.HandleFunc("GET /content/{id}", s.instrument("get_content", s.handleGetContent))
	mux.HandleFunc("GET /content/{id}/download", s.instrument("download_content", s.handleDownloadContent))

	mux.HandleFunc("POST /namespaces/{ns}/indexes", s.instrument("create_index", s.handleCreateIndex))
	mux.HandleFunc("GET /namespaces/{ns}/indexes", s.instrument("list_indexes", s.handleListIndexes))
	mux.HandleFunc("POST /namespaces/{ns}/indexes/{name}/vectors", s.instrument("add_vector", s.handleAddVector))
	mux.HandleFunc("POST /namespaces/{ns}/indexes/{name}/search", s.instrument("search_index", s.handleSearchIndex))

	mux.HandleFunc("GET /tasks", s.instrument("list_tasks", s.handleListTasks))
	mux.HandleFunc("GET /tasks/{id}", s.instrument("get_task", s.handleGetTask))
	mux.HandleFunc("POST /tasks/allocate", s.instrument("allocate_tasks", s.handleAllocateTasks))
	mux.HandleFunc("POST /tasks/{id}/outcome", s.instrument("task_outcome", s.handleTaskOutcome))

	mux.HandleFunc("POST /executors", s.instrument("register_executor", s.handleRegisterExecutor))
	mux.HandleFunc("POST /executors/{id}/heartbeat", s.instrument("heartbeat_executor", s.handleHeartbeatExecutor))
	mux.HandleFunc("DELETE /executors/{id}", s.instrument("deregister_executor", s.handleDeregisterExecutor))
	mux.HandleFunc("GET /executors", s.instrument("list_executors", s.handleListExecutors))

	return mux
}

// instrument wraps a handler with request logging and metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		elapsed := time.Since(start)
		metrics.RecordAPIRequest(r.Method, route, rec.code, elapsed)
		s.log.Debug("request", "method", r.Method, "route", route,
			"code", rec.code, "duration", elapsed)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleReadyz reports ready once the node knows a leader and has applied
// the log up to its commit index. Load balancers use this to keep traffic
// off nodes that are still catching up.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.node.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
