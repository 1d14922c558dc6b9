// Package store implements the content-addressed, deduplicating file
// store: a directory of blobs named by their digest, a persistent
// sqlite ledger tracking reference counts, and a background watcher that
// notices blobs dropped into the store root out-of-band.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/taskexec/evaluator/internal/metrics"
)

// Store is the coordinator's and worker's handle to the content-addressed
// blob directory. It is safe for concurrent use.
type Store struct {
	root    string
	blobDir string
	tmpDir  string

	ledger *ledger
	group  singleflight.Group
	log    *slog.Logger

	watcher *fsnotify.Watcher

	gcInterval time.Duration
	gcGrace    time.Duration
	stopGC     chan struct{}
	gcDone     chan struct{}
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithGCInterval overrides how often the background GC sweep runs.
func WithGCInterval(d time.Duration) Option {
	return func(s *Store) { s.gcInterval = d }
}

// WithGCGracePeriod overrides how long an unpinned blob survives before
// GC may delete it, giving a racing re-pin a window to cancel eviction.
func WithGCGracePeriod(d time.Duration) Option {
	return func(s *Store) { s.gcGrace = d }
}

// WithLogger attaches a structured logger; defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open creates or opens a content store rooted at root. The directory
// layout is root/blobs/<2-hex-prefix>/<rest-of-hex>, root/tmp for staging
// writes before atomic rename, and root/ledger.db for the sqlite index.
func Open(root string, opts ...Option) (*Store, error) {
	blobDir := filepath.Join(root, "blobs")
	tmpDir := filepath.Join(root, "tmp")
	for _, dir := range []string{root, blobDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}

	led, err := openLedger(filepath.Join(root, "ledger.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:       root,
		blobDir:    blobDir,
		tmpDir:     tmpDir,
		ledger:     led,
		log:        slog.New(slog.DiscardHandler),
		gcInterval: 5 * time.Minute,
		gcGrace:    10 * time.Minute,
		stopGC:     make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		led.close()
		return nil, fmt.Errorf("store: create watcher: %w", err)
	}
	if err := watcher.Add(blobDir); err != nil {
		watcher.Close()
		led.close()
		return nil, fmt.Errorf("store: watch %s: %w", blobDir, err)
	}
	s.watcher = watcher

	go s.watchLoop()
	go s.gcLoop()

	return s, nil
}

// Close stops the background watcher and GC loop and closes the ledger.
func (s *Store) Close() error {
	close(s.stopGC)
	<-s.gcDone
	s.watcher.Close()
	return s.ledger.close()
}

func (s *Store) pathFor(key FileStoreKey) string {
	prefix, rest := key.ShardPath()
	return filepath.Join(s.blobDir, prefix, rest)
}

// Put streams r to the store, returning the content key once the bytes
// are durably committed. A Put racing another Put of identical bytes
// collapses into a single write via singleflight; the refcount still
// increments once per logical Put call.
func (s *Store) Put(ctx context.Context, r io.Reader) (FileStoreKey, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "put-*")
	if err != nil {
		return FileStoreKey{}, fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once successfully renamed

	key, err := HashReader(io.TeeReader(r, tmp))
	if err != nil {
		tmp.Close()
		return FileStoreKey{}, err
	}
	info, statErr := tmp.Stat()
	if statErr != nil {
		tmp.Close()
		return FileStoreKey{}, fmt.Errorf("store: stat temp file: %w", statErr)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return FileStoreKey{}, fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return FileStoreKey{}, fmt.Errorf("store: close temp file: %w", err)
	}

	_, err, _ = s.group.Do(key.String(), func() (any, error) {
		return nil, s.commit(key, tmpPath)
	})
	if err != nil {
		return FileStoreKey{}, err
	}
	if err := s.ledger.recordNew(key, info.Size()); err != nil {
		return FileStoreKey{}, err
	}
	return key, nil
}

// commit atomically installs tmpPath as key's blob (if not already
// present). The ledger entry is recorded by each Put caller afterwards.
func (s *Store) commit(key FileStoreKey, tmpPath string) error {
	finalPath := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("store: create shard dir: %w", err)
	}

	if _, err := os.Stat(finalPath); err == nil {
		// Content already present: dedup, nothing to install.
		return nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(finalPath)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// PutBytes is a convenience wrapper around Put for in-memory content.
func (s *Store) PutBytes(ctx context.Context, b []byte) (FileStoreKey, error) {
	return s.Put(ctx, bytes.NewReader(b))
}

// PutPath streams the file at path into the store.
func (s *Store) PutPath(ctx context.Context, path string) (FileStoreKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileStoreKey{}, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, f)
}

// Get opens a reader over the blob for key, verifying on open that the
// ledger still knows about it. The returned reader rehashes the content
// as the caller consumes it and reports ErrCorruption (wrapped) instead
// of a clean io.EOF if the bytes no longer match key, evicting the entry
// in the same pass. The caller is responsible for Close.
func (s *Store) Get(key FileStoreKey) (io.ReadCloser, error) {
	ok, err := s.ledger.contains(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordStoreCacheMiss()
		return nil, ErrNotFound
	}
	path := s.pathFor(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Ledger and disk disagree: the ledger thought this key was
			// present. Forget it so future lookups short-circuit.
			s.ledger.forget(key)
			metrics.RecordStoreCacheMiss()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: open blob: %w", err)
	}
	metrics.RecordStoreCacheHit()
	return newVerifyingReader(s, f, path, key)
}

// Contains reports whether key is present, without opening it.
func (s *Store) Contains(key FileStoreKey) (bool, error) {
	ok, err := s.ledger.contains(key)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.RecordStoreCacheHit()
	} else {
		metrics.RecordStoreCacheMiss()
	}
	return ok, nil
}

// Pin increments key's reference count, protecting it from GC. Returns
// ErrNotFound if the key has never been written.
func (s *Store) Pin(key FileStoreKey) error {
	if err := s.ledger.pin(key); err != nil {
		return err
	}
	s.refreshPinGauge()
	return nil
}

// Unpin decrements key's reference count. Once it reaches zero the blob
// becomes eligible for GC after the configured grace period.
func (s *Store) Unpin(key FileStoreKey) error {
	if err := s.ledger.unpin(key); err != nil {
		return err
	}
	s.refreshPinGauge()
	return nil
}

func (s *Store) refreshPinGauge() {
	if n, err := s.ledger.pinnedCount(); err == nil {
		metrics.SetStorePinnedFiles(n)
	}
}
