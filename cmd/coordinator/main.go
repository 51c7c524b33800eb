// Command coordinator runs one node of the replicated content-indexing
// coordinator. Subcommands:
//
//	coordinator discover -config <file>   print the deterministic seed choice
//	coordinator server   -config <file>   run the node
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/rodrigogalhardo/indexify/internal/backend"
	"github.com/rodrigogalhardo/indexify/internal/config"
	"github.com/rodrigogalhardo/indexify/internal/discovery"
	"github.com/rodrigogalhardo/indexify/internal/identity"
	"github.com/rodrigogalhardo/indexify/internal/metrics"
	"github.com/rodrigogalhardo/indexify/internal/raft"
	"github.com/rodrigogalhardo/indexify/internal/server"
	"github.com/rodrigogalhardo/indexify/internal/state"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "discover":
		runDiscover(os.Args[2:])
	case "server":
		runServer(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: coordinator <discover|server> [flags]")
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "coordinator.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	self, err := selfRaftAddr(cfg)
	if err != nil {
		fatal("resolve self address: %v", err)
	}
	decision, err := discovery.Resolve(cfg.MemberAddresses(), self)
	if err != nil {
		fatal("discover: %v", err)
	}
	fmt.Printf("seed=%s self=%s is_seed=%v\n", decision.SeedAddr, self, decision.IsSeed)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "coordinator.yaml", "path to config file")
	nodeIDFlag := fs.Int("node-id", -1, "node id override (default: derived from hostname ordinal)")
	initialize := fs.Bool("initialize", true, "allow this node to bootstrap a brand-new cluster if it is the seed")
	logLevel := fs.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	fs.Parse(args)

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "coordinator",
		Level:      hclog.LevelFromString(*logLevel),
		JSONFormat: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}

	nodeID, err := resolveNodeID(cfg, *nodeIDFlag)
	if err != nil {
		fatal("resolve node id: %v", err)
	}
	logger = logger.With("node_id", nodeID)

	ident, err := identity.Open(cfg.StateDir, nodeID)
	if err != nil {
		fatal("open identity: %v", err)
	}
	defer ident.Close()

	storage, err := raft.OpenStorage(filepath.Join(cfg.StateDir, "raft"))
	if err != nil {
		fatal("open raft storage: %v", err)
	}

	blobs, err := backend.OpenBlobStore(context.Background(), cfg.BlobStorage)
	if err != nil {
		fatal("open blob storage: %v", err)
	}
	vectors, err := backend.OpenVectorIndex(cfg.VectorIndex)
	if err != nil {
		fatal("open vector index: %v", err)
	}
	metaStore, err := backend.OpenMetadataStore(cfg.MetadataStore)
	if err != nil {
		fatal("open metadata store: %v", err)
	}
	cacheLayer, err := backend.OpenCache(cfg.Cache)
	if err != nil {
		fatal("open cache: %v", err)
	}

	selfRaft, err := selfRaftAddr(cfg)
	if err != nil {
		fatal("resolve self address: %v", err)
	}
	selfAPI := strings.Replace(selfRaft, fmt.Sprintf(":%d", cfg.RaftPort), fmt.Sprintf(":%d", cfg.CoordinatorPort), 1)

	machine := state.NewMachine()
	node, err := raft.NewNode(raft.Options{
		ID:                nodeID,
		RaftAddr:          selfRaft,
		APIAddr:           selfAPI,
		Storage:           storage,
		StateMachine:      machine,
		Transport:         raft.NewHTTPTransport(nil),
		Logger:            logger,
		ElectionTimeout:   cfg.ElectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SnapshotThreshold: cfg.SnapshotThreshold,
	})
	if err != nil {
		fatal("create raft node: %v", err)
	}

	raftServer := &http.Server{
		Addr:    cfg.RaftAddr(),
		Handler: raft.NewRPCHandler(node),
	}
	go func() {
		logger.Info("raft listener starting", "addr", cfg.RaftAddr())
		if err := raftServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("raft listener: %v", err)
		}
	}()

	node.Start()

	// A node with persisted raft state rejoins by replaying its own log; a
	// fresh node either initializes the cluster (seed only) or joins through
	// the current leader.
	if !storage.HasState() {
		candidates := cfg.MemberAddresses()
		decision, err := discovery.Resolve(candidates, selfRaft)
		if err != nil {
			fatal("discover seed: %v", err)
		}
		if decision.IsSeed && *initialize {
			logger.Info("initializing new cluster", "seed", selfRaft)
			if err := node.Bootstrap(); err != nil {
				fatal("bootstrap: %v", err)
			}
		} else {
			joinCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			logger.Info("joining cluster", "seed", decision.SeedAddr)
			err := node.JoinCluster(joinCtx, peersExcluding(candidates, selfRaft))
			cancel()
			if err != nil {
				fatal("join cluster: %v", err)
			}
		}
	}

	api := server.New(server.Options{
		Logger:        logger,
		Node:          node,
		Machine:       machine,
		Blobs:         blobs,
		Vectors:       vectors,
		Metadata:      metaStore,
		Cache:         cacheLayer,
		CommitTimeout: cfg.CommitTimeout,
		ForwardWrites: cfg.ForwardWrites,
	})
	apiServer := &http.Server{
		Addr:    cfg.CoordinatorAddr(),
		Handler: api.Handler(),
	}
	go func() {
		logger.Info("api listener starting", "addr", cfg.CoordinatorAddr())
		var err error
		if cfg.TLS != nil {
			err = apiServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = apiServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			fatal("api listener: %v", err)
		}
	}()

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	collectorStop := make(chan struct{})
	collector := metrics.NewCollector(node.Status)
	go collector.Run(15*time.Second, collectorStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	close(collectorStop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "error", err)
	}
	node.Stop()
	if err := raftServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("raft shutdown", "error", err)
	}
	if err := storage.Close(); err != nil {
		logger.Error("close raft storage", "error", err)
	}
	if err := vectors.Close(); err != nil {
		logger.Error("close vector index", "error", err)
	}
	if err := metaStore.Close(); err != nil {
		logger.Error("close metadata store", "error", err)
	}
}

// resolveNodeID prefers the flag, then config, then the hostname ordinal.
func resolveNodeID(cfg *config.Config, flagValue int) (uint64, error) {
	if flagValue >= 0 {
		return uint64(flagValue), nil
	}
	if cfg.NodeID != nil {
		if *cfg.NodeID < 0 {
			return 0, fmt.Errorf("node_id must be non-negative")
		}
		return uint64(*cfg.NodeID), nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return 0, err
	}
	return identity.DeriveNodeID(hostname)
}

// selfRaftAddr finds this node's entry in the member list by hostname, so
// the advertised address matches what peers dial.
func selfRaftAddr(cfg *config.Config) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	for _, member := range cfg.MemberAddresses() {
		host := member
		if i := strings.LastIndex(member, ":"); i >= 0 {
			host = member[:i]
		}
		if host == hostname || strings.HasPrefix(host, hostname+".") {
			return member, nil
		}
	}
	return fmt.Sprintf("%s:%d", hostname, cfg.RaftPort), nil
}

func peersExcluding(candidates []string, self string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != self {
			out = append(out, c)
		}
	}
	return out
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "coordinator: "+format+"\n", args...)
	os.Exit(1)
}
