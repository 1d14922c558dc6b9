package store_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/store"
)

func openTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := s.PutBytes(ctx, []byte("hello, evaluator"))
	require.NoError(t, err)

	r, err := s.Get(key)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello, evaluator", string(got))
}

func TestStore_ContainsReflectsPresence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := s.PutBytes(ctx, []byte("present"))
	require.NoError(t, err)

	ok, err := s.Contains(key)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := store.HashBytes([]byte("absent"))
	ok, err = s.Contains(missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(store.HashBytes([]byte("never written")))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_DuplicatePutDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	k1, err := s.PutBytes(ctx, []byte("same content"))
	require.NoError(t, err)
	k2, err := s.PutBytes(ctx, []byte("same content"))
	require.NoError(t, err)

	assert.Equal(t, k1, k2)

	require.NoError(t, s.Unpin(k1))
	ok, err := s.Contains(k1)
	require.NoError(t, err)
	assert.True(t, ok, "still pinned once after one of two puts is unpinned")
}

func TestStore_PinUnpinRefcounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := s.PutBytes(ctx, []byte("refcounted"))
	require.NoError(t, err)

	require.NoError(t, s.Pin(key))
	require.NoError(t, s.Unpin(key))
	require.NoError(t, s.Unpin(key))

	ok, err := s.Contains(key)
	require.NoError(t, err)
	assert.True(t, ok, "unpinned but not yet GC'd")
}

func TestStore_UnpinUnknownKeyErrors(t *testing.T) {
	s := openTestStore(t)
	err := s.Unpin(store.HashBytes([]byte("never written")))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_PutPath(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	path := dir + "/blob.bin"
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0o644))

	key, err := s.PutPath(context.Background(), path)
	require.NoError(t, err)

	r, err := s.Get(key)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "from disk", string(got))
}

func TestStore_GCEvictsAfterGracePeriod(t *testing.T) {
	s := openTestStore(t, store.WithGCInterval(20*time.Millisecond), store.WithGCGracePeriod(1*time.Millisecond))
	ctx := context.Background()

	key, err := s.PutBytes(ctx, []byte("short lived"))
	require.NoError(t, err)
	require.NoError(t, s.Unpin(key))

	require.Eventually(t, func() bool {
		ok, err := s.Contains(key)
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_GetDetectsCorruptionOnRead(t *testing.T) {
	root := t.TempDir()
	s, err := store.Open(root)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	key, err := s.PutBytes(ctx, []byte("original bytes"))
	require.NoError(t, err)

	prefix, rest := key.ShardPath()
	blobPath := root + "/blobs/" + prefix + "/" + rest
	require.NoError(t, os.WriteFile(blobPath, []byte("tampered"), 0o644))

	r, err := s.Get(key)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, store.ErrCorruption)

	// The entry was evicted as part of detecting the corruption.
	ok, err := s.Contains(key)
	require.NoError(t, err)
	assert.False(t, ok)
}
