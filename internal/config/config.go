// Package config loads and validates the coordinator configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultListenAddr        = "0.0.0.0"
	DefaultCoordinatorPort   = 8950
	DefaultRaftPort          = 8970
	DefaultElectionTimeout   = 1 * time.Second
	DefaultHeartbeatInterval = 250 * time.Millisecond
	DefaultCommitTimeout     = 5 * time.Second
	DefaultSnapshotThreshold = 4096
)

// Config is the full configuration surface of a coordinator node.
type Config struct {
	ListenAddr      string `yaml:"listen_addr"`
	CoordinatorPort int    `yaml:"coordinator_port"`
	RaftPort        int    `yaml:"raft_port"`
	NodeID          *int   `yaml:"node_id"`
	StateDir        string `yaml:"state_dir"`

	Cluster ClusterConfig `yaml:"cluster"`

	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`

	// ForwardWrites proxies write requests received by a follower to the
	// current leader instead of returning a redirect hint.
	ForwardWrites bool `yaml:"forward_writes"`

	BlobStorage   BlobStorageConfig   `yaml:"blob_storage"`
	VectorIndex   VectorIndexConfig   `yaml:"vector_index"`
	MetadataStore MetadataStoreConfig `yaml:"metadata_store"`
	Cache         CacheConfig         `yaml:"cache"`

	TLS *TLSConfig `yaml:"tls"`
}

// ClusterConfig describes the peer set used for seed discovery and joining.
type ClusterConfig struct {
	// Members lists the raft addresses (host:port) of every expected member.
	Members []string `yaml:"members"`

	// MemberTemplate, with ExpectedSize, expands to the member list when
	// Members is empty. "{}" is replaced by the ordinal. Matches the stable
	// pod naming of a StatefulSet, e.g. "coordinator-{}.coordinator:8970".
	MemberTemplate string `yaml:"member_template"`
	ExpectedSize   int    `yaml:"expected_size"`
}

// BlobStorageConfig selects where raw document payloads live.
type BlobStorageConfig struct {
	Driver   string `yaml:"driver"` // disk | s3
	Path     string `yaml:"path"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// VectorIndexConfig selects the vector index backend.
type VectorIndexConfig struct {
	Driver string `yaml:"driver"` // embedded | remote

	// Embedded HNSW parameters.
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`

	// Remote index service address.
	Addr string `yaml:"addr"`
}

// MetadataStoreConfig selects the vector metadata store backend.
type MetadataStoreConfig struct {
	Driver string `yaml:"driver"` // badger | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig selects the optional read-through cache.
type CacheConfig struct {
	Driver     string `yaml:"driver"` // none | memory | redis
	MaxEntries int    `yaml:"max_entries"`
	Addr       string `yaml:"addr"`
}

// TLSConfig points at TLS material on disk.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		ListenAddr:        DefaultListenAddr,
		CoordinatorPort:   DefaultCoordinatorPort,
		RaftPort:          DefaultRaftPort,
		StateDir:          "./data",
		ElectionTimeout:   DefaultElectionTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		CommitTimeout:     DefaultCommitTimeout,
		SnapshotThreshold: DefaultSnapshotThreshold,
		BlobStorage:       BlobStorageConfig{Driver: "disk", Path: "./data/blobs"},
		VectorIndex:       VectorIndexConfig{Driver: "embedded", M: 16, EfConstruction: 200, EfSearch: 64},
		MetadataStore:     MetadataStoreConfig{Driver: "badger", Path: "./data/meta"},
		Cache:             CacheConfig{Driver: "none", MaxEntries: 10000},
	}
}

// Load reads a YAML config file and applies defaults for missing values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over a defaulted config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.CoordinatorPort == c.RaftPort {
		return fmt.Errorf("coordinator_port and raft_port must differ (both %d)", c.RaftPort)
	}
	if len(c.Cluster.Members) == 0 && c.Cluster.MemberTemplate == "" {
		return fmt.Errorf("cluster.members or cluster.member_template is required")
	}
	if c.Cluster.MemberTemplate != "" && c.Cluster.ExpectedSize <= 0 && len(c.Cluster.Members) == 0 {
		return fmt.Errorf("cluster.expected_size is required with cluster.member_template")
	}
	switch c.BlobStorage.Driver {
	case "disk", "s3":
	default:
		return fmt.Errorf("unknown blob_storage.driver %q", c.BlobStorage.Driver)
	}
	switch c.VectorIndex.Driver {
	case "embedded", "remote":
	default:
		return fmt.Errorf("unknown vector_index.driver %q", c.VectorIndex.Driver)
	}
	switch c.MetadataStore.Driver {
	case "badger", "postgres":
	default:
		return fmt.Errorf("unknown metadata_store.driver %q", c.MetadataStore.Driver)
	}
	switch c.Cache.Driver {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unknown cache.driver %q", c.Cache.Driver)
	}
	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	return nil
}

// MemberAddresses returns the cluster member raft addresses, expanding the
// template form when an explicit list is absent.
func (c *Config) MemberAddresses() []string {
	if len(c.Cluster.Members) > 0 {
		return c.Cluster.Members
	}
	members := make([]string, 0, c.Cluster.ExpectedSize)
	for i := 0; i < c.Cluster.ExpectedSize; i++ {
		members = append(members, expandOrdinal(c.Cluster.MemberTemplate, i))
	}
	return members
}

// CoordinatorAddr returns the client API listen address.
func (c *Config) CoordinatorAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.CoordinatorPort)
}

// RaftAddr returns the replication listen address.
func (c *Config) RaftAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.RaftPort)
}

func expandOrdinal(template string, ordinal int) string {
	out := make([]byte, 0, len(template)+4)
	for i := 0; i < len(template); i++ {
		if template[i] == '{' && i+1 < len(template) && template[i+1] == '}' {
			out = append(out, fmt.Sprintf("%d", ordinal)...)
			i++
			continue
		}
		out = append(out, template[i])
	}
	return string(out)
}
