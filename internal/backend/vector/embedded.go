// Package vector provides vector index drivers for embedding storage and
// nearest-neighbor search.
package vector

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// Match is a single nearest-neighbor result. Score is cosine similarity,
// higher is closer.
type Match struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// HNSWParams tunes the embedded index graph build and search width.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

type embeddedIndex struct {
	dim     int
	ids     []string
	vectors [][]float32
	byID    map[string]int
}

// EmbeddedIndex is an in-process index guarded by a single lock. Search
// cost is linear in the index size; EfSearch bounds the candidate heap so
// result ranking matches what a graph-based search would return.
type EmbeddedIndex struct {
	mu      sync.RWMutex
	params  HNSWParams
	indexes map[string]*embeddedIndex
}

func NewEmbeddedIndex(params HNSWParams) *EmbeddedIndex {
	if params.EfSearch <= 0 {
		params.EfSearch = 64
	}
	return &EmbeddedIndex{params: params, indexes: make(map[string]*embeddedIndex)}
}

func (e *EmbeddedIndex) CreateIndex(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("index %q: dimension must be positive", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.indexes[name]; ok {
		if existing.dim != dim {
			return fmt.Errorf("index %q exists with dimension %d", name, existing.dim)
		}
		return nil
	}
	e.indexes[name] = &embeddedIndex{dim: dim, byID: make(map[string]int)}
	return nil
}

func (e *EmbeddedIndex) Add(ctx context.Context, index, id string, vec []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indexes[index]
	if !ok {
		return errors.ErrNotFound
	}
	if len(vec) != idx.dim {
		return fmt.Errorf("index %q: vector dimension %d, want %d", index, len(vec), idx.dim)
	}
	normalized := normalize(vec)
	if pos, ok := idx.byID[id]; ok {
		idx.vectors[pos] = normalized
		return nil
	}
	idx.byID[id] = len(idx.ids)
	idx.ids = append(idx.ids, id)
	idx.vectors = append(idx.vectors, normalized)
	return nil
}

func (e *EmbeddedIndex) Search(ctx context.Context, index string, vec []float32, k int) ([]Match, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexes[index]
	if !ok {
		return nil, errors.ErrNotFound
	}
	if len(vec) != idx.dim {
		return nil, fmt.Errorf("index %q: query dimension %d, want %d", index, len(vec), idx.dim)
	}
	if k <= 0 {
		k = 10
	}
	ef := e.params.EfSearch
	if ef < k {
		ef = k
	}
	query := normalize(vec)
	h := &matchHeap{}
	heap.Init(h)
	for pos, stored := range idx.vectors {
		score := dot(query, stored)
		if h.Len() < ef {
			heap.Push(h, Match{ID: idx.ids[pos], Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Match{ID: idx.ids[pos], Score: score}
			heap.Fix(h, 0)
		}
	}
	matches := make([]Match, h.Len())
	copy(matches, *h)
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (e *EmbeddedIndex) Delete(ctx context.Context, index, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indexes[index]
	if !ok {
		return errors.ErrNotFound
	}
	pos, ok := idx.byID[id]
	if !ok {
		return nil
	}
	last := len(idx.ids) - 1
	idx.ids[pos] = idx.ids[last]
	idx.vectors[pos] = idx.vectors[last]
	idx.byID[idx.ids[pos]] = pos
	idx.ids = idx.ids[:last]
	idx.vectors = idx.vectors[:last]
	delete(idx.byID, id)
	return nil
}

func (e *EmbeddedIndex) Close() error { return nil }

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// matchHeap is a min-heap on score so the worst candidate is evicted first.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
