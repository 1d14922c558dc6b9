package store_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/store"
)

func TestHashBytes_Deterministic(t *testing.T) {
	a := store.HashBytes([]byte("hello"))
	b := store.HashBytes([]byte("hello"))
	assert.Equal(t, a, b)

	c := store.HashBytes([]byte("world"))
	assert.NotEqual(t, a, c)
}

func TestHashReader_MatchesHashBytes(t *testing.T) {
	data := []byte("the quick brown fox")
	want := store.HashBytes(data)

	got, err := store.HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashFile_MatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	data := []byte("file contents")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := store.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, store.HashBytes(data), got)
}

func TestKeyFromHex_RoundTrip(t *testing.T) {
	k := store.HashBytes([]byte("round trip"))
	parsed, err := store.KeyFromHex(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestKeyFromHex_RejectsBadLength(t *testing.T) {
	_, err := store.KeyFromHex("deadbeef")
	assert.Error(t, err)
}

func TestShardPath(t *testing.T) {
	k := store.HashBytes([]byte("shard me"))
	prefix, rest := k.ShardPath()
	assert.Len(t, prefix, 2)
	assert.Len(t, rest, store.KeySize*2-2)
	assert.Equal(t, k.String(), prefix+rest)
}
