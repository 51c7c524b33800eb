package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

func TestEmbeddedCreateAndSearch(t *testing.T) {
	idx := NewEmbeddedIndex(HNSWParams{EfSearch: 16})
	ctx := context.Background()

	require.NoError(t, idx.CreateIndex(ctx, "docs/embeddings", 3))
	require.NoError(t, idx.Add(ctx, "docs/embeddings", "a", []float32{1, 0, 0}))
	require.NoError(t, idx.Add(ctx, "docs/embeddings", "b", []float32{0, 1, 0}))
	require.NoError(t, idx.Add(ctx, "docs/embeddings", "c", []float32{0.95, 0.05, 0}))

	matches, err := idx.Search(ctx, "docs/embeddings", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "a", matches[0].ID)
	require.Equal(t, "c", matches[1].ID)
	require.Greater(t, matches[0].Score, matches[1].Score)
}

func TestEmbeddedDimensionChecks(t *testing.T) {
	idx := NewEmbeddedIndex(HNSWParams{})
	ctx := context.Background()

	require.Error(t, idx.CreateIndex(ctx, "x", 0))
	require.NoError(t, idx.CreateIndex(ctx, "x", 4))

	// Re-creation with the same dimension is a no-op; a different
	// dimension is refused.
	require.NoError(t, idx.CreateIndex(ctx, "x", 4))
	require.Error(t, idx.CreateIndex(ctx, "x", 8))

	require.Error(t, idx.Add(ctx, "x", "a", []float32{1, 2}))
	_, err := idx.Search(ctx, "x", []float32{1}, 1)
	require.Error(t, err)
}

func TestEmbeddedUnknownIndex(t *testing.T) {
	idx := NewEmbeddedIndex(HNSWParams{})
	ctx := context.Background()

	require.ErrorIs(t, idx.Add(ctx, "ghost", "a", []float32{1}), errors.ErrNotFound)
	_, err := idx.Search(ctx, "ghost", []float32{1}, 1)
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEmbeddedUpsertAndDelete(t *testing.T) {
	idx := NewEmbeddedIndex(HNSWParams{})
	ctx := context.Background()
	require.NoError(t, idx.CreateIndex(ctx, "x", 2))

	require.NoError(t, idx.Add(ctx, "x", "a", []float32{1, 0}))
	require.NoError(t, idx.Add(ctx, "x", "a", []float32{0, 1})) // upsert

	matches, err := idx.Search(ctx, "x", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Equal(t, "a", matches[0].ID)

	require.NoError(t, idx.Delete(ctx, "x", "a"))
	matches, err = idx.Search(ctx, "x", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Empty(t, matches)

	// Deleting an absent id is a no-op.
	require.NoError(t, idx.Delete(ctx, "x", "a"))
}

func TestEmbeddedKClamping(t *testing.T) {
	idx := NewEmbeddedIndex(HNSWParams{EfSearch: 2})
	ctx := context.Background()
	require.NoError(t, idx.CreateIndex(ctx, "x", 2))
	for i, vec := range [][]float32{{1, 0}, {0, 1}, {1, 1}} {
		require.NoError(t, idx.Add(ctx, "x", string(rune('a'+i)), vec))
	}

	matches, err := idx.Search(ctx, "x", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
}
