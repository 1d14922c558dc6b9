package store

import (
	"fmt"
	"os"
	"time"
)

// gcLoop periodically evicts blobs that have sat unpinned past the grace
// period. Apart from it, bytes are deleted only when a rehash finds a
// blob corrupted (the watcher's recheck and Get's verifyingReader).
func (s *Store) gcLoop() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.runGC(); err != nil {
				s.log.Error("store gc sweep failed", "error", err)
			}
		}
	}
}

func (s *Store) runGC() error {
	cutoff := time.Now().Add(-s.gcGrace)
	keys, err := s.ledger.collectible(cutoff)
	if err != nil {
		return fmt.Errorf("store: list collectible keys: %w", err)
	}

	for _, key := range keys {
		path := s.pathFor(key)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Error("store gc remove failed", "key", key.String(), "error", err)
			continue
		}
		if err := s.ledger.forget(key); err != nil {
			s.log.Error("store gc forget failed", "key", key.String(), "error", err)
		}
	}
	if len(keys) > 0 {
		s.refreshPinGauge()
	}
	return nil
}
