package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

func TestDiskPutGetRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte("blob payload")
	url, size, err := store.Put(ctx, "docs/abc123", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)
	require.True(t, strings.HasPrefix(url, "file://"))

	rc, err := store.Get(ctx, "docs/abc123")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDiskGetMissing(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "docs/missing")
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDiskDeleteIdempotent(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = store.Put(ctx, "a/b", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "a/b"))
	require.NoError(t, store.Delete(ctx, "a/b"))
	_, err = store.Get(ctx, "a/b")
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDiskListByPrefix(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"docs/1", "docs/2", "images/1"} {
		_, _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "docs/")
	require.NoError(t, err)
	require.Equal(t, []string{"docs/1", "docs/2"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDiskRejectsTraversal(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	_, _, err = store.Put(context.Background(), "../escape", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	_, err = store.Get(context.Background(), "")
	require.Error(t, err)
}
