package store

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchLoop notices blobs dropped into the store root out-of-band (a
// human copying a file into place, a restore from backup) and schedules
// an integrity re-check: rehash the bytes and compare against the path's
// claimed key, evicting on mismatch. Put's own renames into a shard
// directory raise Create events too; those blobs rehash to their key and
// are left alone, so in practice only writes that bypass Put are evicted.
func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleWatchEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("store watcher error", "error", err)
		}
	}
}

func (s *Store) handleWatchEvent(event fsnotify.Event) {
	info, err := os.Stat(event.Name)
	if err != nil {
		return // already gone, or a Remove event; nothing to verify
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			// A new two-hex-char shard directory: start watching it too,
			// since fsnotify is not recursive.
			s.watcher.Add(event.Name)
		}
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	s.recheckIntegrity(event.Name)
}

// recheckIntegrity rehashes the blob at path and evicts its ledger entry
// if the content no longer matches the key implied by its location.
func (s *Store) recheckIntegrity(path string) {
	prefix := filepath.Base(filepath.Dir(path))
	rest := filepath.Base(path)
	claimed, err := KeyFromHex(prefix + rest)
	if err != nil {
		return // not a well-formed shard path; ignore
	}

	actual, err := HashFile(path)
	if err != nil {
		s.log.Error("store integrity recheck failed to hash", "path", path, "error", err)
		return
	}
	if actual == claimed {
		return
	}

	s.log.Error("store detected content corruption", "error", corruptionErr(claimed, actual))
	if err := s.ledger.forget(claimed); err != nil {
		s.log.Error("store forget after corruption failed", "key", claimed.String(), "error", err)
	}
	os.Remove(path)
}
