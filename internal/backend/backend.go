// Package backend defines the capability interfaces for the coordinator's
// external collaborators: blob storage, vector index, vector metadata
// store and the optional read-through cache. Implementations are selected
// by configuration at startup; coordinator-core code never depends on a
// specific backend's internals.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/rodrigogalhardo/indexify/internal/backend/blob"
	"github.com/rodrigogalhardo/indexify/internal/backend/cache"
	"github.com/rodrigogalhardo/indexify/internal/backend/meta"
	"github.com/rodrigogalhardo/indexify/internal/backend/vector"
	"github.com/rodrigogalhardo/indexify/internal/config"
)

// BlobStore persists raw document payloads keyed by coordinator-minted ids.
type BlobStore interface {
	Put(ctx context.Context, key string, data io.Reader) (url string, size int64, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// VectorIndex stores embeddings and answers nearest-neighbor queries.
type VectorIndex interface {
	CreateIndex(ctx context.Context, name string, dim int) error
	Add(ctx context.Context, index, id string, vec []float32) error
	Search(ctx context.Context, index string, vec []float32, k int) ([]vector.Match, error)
	Delete(ctx context.Context, index, id string) error
	Close() error
}

// MetadataStore holds auxiliary vector metadata keyed by embedding id.
type MetadataStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Cache is an optional read-through cache for hot metadata reads.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// OpenBlobStore selects a blob storage backend from config.
func OpenBlobStore(ctx context.Context, cfg config.BlobStorageConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "disk":
		return blob.NewDiskStore(cfg.Path)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Options{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown blob storage driver %q", cfg.Driver)
	}
}

// OpenVectorIndex selects a vector index backend from config. Embedded and
// remote backends are mutually exclusive; switching requires a full
// reindex, never a live migration.
func OpenVectorIndex(cfg config.VectorIndexConfig) (VectorIndex, error) {
	switch cfg.Driver {
	case "embedded":
		return vector.NewEmbeddedIndex(vector.HNSWParams{
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
		}), nil
	case "remote":
		return vector.NewRemoteIndex(cfg.Addr), nil
	default:
		return nil, fmt.Errorf("unknown vector index driver %q", cfg.Driver)
	}
}

// OpenMetadataStore selects a metadata store backend from config.
func OpenMetadataStore(cfg config.MetadataStoreConfig) (MetadataStore, error) {
	switch cfg.Driver {
	case "badger":
		return meta.NewBadgerStore(cfg.Path)
	case "postgres":
		return meta.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown metadata store driver %q", cfg.Driver)
	}
}

// OpenCache selects the cache layer from config. The "none" driver returns
// a pass-through that always misses.
func OpenCache(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case "none":
		return cache.Disabled{}, nil
	case "memory":
		return cache.NewMemoryCache(cfg.MaxEntries)
	case "redis":
		return cache.NewRedisCache(cfg.Addr), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
