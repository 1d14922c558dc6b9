package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get, Pin and Unpin when a key has no entry
// in the store. Contains reports the same condition as false, nil.
var ErrNotFound = errors.New("store: key not found")

// ErrCorruption is the sentinel wrapped by any error reporting that a
// blob's bytes no longer hash to its key — either a rehash performed at
// Get time, or one triggered by the fsnotify watcher after an out-of-band
// write into the store root. The caller's only reasonable response is to
// evict the entry and, if possible, re-fetch the bytes from their
// original producer.
var ErrCorruption = errors.New("store: content corruption detected")

func corruptionErr(want, got FileStoreKey) error {
	return fmt.Errorf("%w: expected key %s, rehashed to %s", ErrCorruption, want, got)
}
