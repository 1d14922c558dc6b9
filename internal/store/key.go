package store

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the digest length in bytes of a FileStoreKey.
const KeySize = 32

// FileStoreKey is the deterministic content digest used to deduplicate
// blobs in the file store. Two File handles with distinct FileUuids may
// resolve to the same key; the same bytes always resolve to the same key.
type FileStoreKey [KeySize]byte

// String renders the key as lowercase hex, the same representation used
// for the on-disk fan-out path.
func (k FileStoreKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is the unset zero value.
func (k FileStoreKey) IsZero() bool {
	return k == FileStoreKey{}
}

// ShardPath returns the two path components of the store's two-level
// fan-out layout: the first two hex characters, and the remainder.
func (k FileStoreKey) ShardPath() (prefix, rest string) {
	h := k.String()
	return h[:2], h[2:]
}

// KeyFromHex parses a key previously produced by String.
func KeyFromHex(s string) (FileStoreKey, error) {
	var k FileStoreKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("store: invalid key hex: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("store: invalid key length %d, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// HashReader computes the FileStoreKey of a stream without buffering it in
// memory; it is used both by the client (computing the key of a
// ProvidedFile eagerly at DAG construction) and by the receiver of a file
// chunk stream (verifying the announced key against the bytes received).
func HashReader(r io.Reader) (FileStoreKey, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return FileStoreKey{}, fmt.Errorf("store: init hash: %w", err)
	}
	if _, err := io.Copy(h, r); err != nil {
		return FileStoreKey{}, fmt.Errorf("store: hash stream: %w", err)
	}
	var k FileStoreKey
	copy(k[:], h.Sum(nil))
	return k, nil
}

// HashFile computes the FileStoreKey of the file at path; the store's
// watcher uses it to recheck a blob's integrity.
func HashFile(path string) (FileStoreKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileStoreKey{}, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashBytes computes the FileStoreKey of an in-memory blob.
func HashBytes(b []byte) FileStoreKey {
	sum := blake2b.Sum256(b)
	return FileStoreKey(sum)
}
