package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ledger is the sqlite-backed index of every key the store has ever
// written: its reference count (how many live File/ProvidedFile handles
// currently pin it) and, for unpinned entries, the time they became
// eligible for garbage collection. This persists across coordinator
// restarts — unlike DAG/evaluation state, which is explicitly out of
// scope — because the blobs on disk must themselves survive a restart.
type ledger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	key TEXT PRIMARY KEY,
	size_bytes INTEGER NOT NULL,
	refcount INTEGER NOT NULL DEFAULT 0,
	unpinned_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blobs_unpinned_at ON blobs(unpinned_at) WHERE unpinned_at IS NOT NULL;
`

func openLedger(path string) (*ledger, error) {
	db, err := sql.Open("sqlite3", path+"?cache=shared&mode=rwc&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open ledger: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping ledger: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init ledger schema: %w", err)
	}
	return &ledger{db: db}, nil
}

func (l *ledger) close() error {
	return l.db.Close()
}

// recordNew inserts a freshly-written blob with refcount 1, or increments
// the refcount of an existing one (the dedup path: identical content
// written twice).
func (l *ledger) recordNew(key FileStoreKey, sizeBytes int64) error {
	_, err := l.db.Exec(`
		INSERT INTO blobs (key, size_bytes, refcount, unpinned_at, created_at)
		VALUES (?, ?, 1, NULL, ?)
		ON CONFLICT(key) DO UPDATE SET
			refcount = refcount + 1,
			unpinned_at = NULL
	`, key.String(), sizeBytes, time.Now().Unix())
	return err
}

// pin increments a key's refcount, clearing any pending GC eligibility.
func (l *ledger) pin(key FileStoreKey) error {
	res, err := l.db.Exec(`
		UPDATE blobs SET refcount = refcount + 1, unpinned_at = NULL WHERE key = ?
	`, key.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// unpin decrements a key's refcount; once it reaches zero the entry is
// marked with the current time so the GC sweep can evict it after the
// configured grace period.
func (l *ledger) unpin(key FileStoreKey) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var refcount int
	if err := tx.QueryRow(`SELECT refcount FROM blobs WHERE key = ?`, key.String()).Scan(&refcount); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	refcount--
	if refcount < 0 {
		refcount = 0
	}

	if refcount == 0 {
		_, err = tx.Exec(`UPDATE blobs SET refcount = 0, unpinned_at = ? WHERE key = ?`, time.Now().Unix(), key.String())
	} else {
		_, err = tx.Exec(`UPDATE blobs SET refcount = ? WHERE key = ?`, refcount, key.String())
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// contains reports whether key has a ledger entry at all (pinned or not —
// the blob bytes are presumed present on disk as long as a row exists).
func (l *ledger) contains(key FileStoreKey) (bool, error) {
	var exists int
	err := l.db.QueryRow(`SELECT 1 FROM blobs WHERE key = ?`, key.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// pinnedCount reports how many entries currently have refcount > 0, for
// the store's pin gauge.
func (l *ledger) pinnedCount() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE refcount > 0`).Scan(&n)
	return n, err
}

// collectible returns the keys whose refcount has been zero since before
// the GC cutoff.
func (l *ledger) collectible(cutoff time.Time) ([]FileStoreKey, error) {
	rows, err := l.db.Query(`SELECT key FROM blobs WHERE refcount = 0 AND unpinned_at IS NOT NULL AND unpinned_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []FileStoreKey
	for rows.Next() {
		var hexKey string
		if err := rows.Scan(&hexKey); err != nil {
			return nil, err
		}
		k, err := KeyFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// forget removes a key's ledger row entirely, used both by GC and by
// corruption eviction.
func (l *ledger) forget(key FileStoreKey) error {
	_, err := l.db.Exec(`DELETE FROM blobs WHERE key = ?`, key.String())
	return err
}
