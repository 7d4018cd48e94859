// Package hashcache remembers artwork fingerprints between rebuilds, keyed by
// image reference, so unchanged artwork is not downloaded again.
package hashcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/cardscan/internal/fingerprint"
)

const schema = `CREATE TABLE IF NOT EXISTS fingerprints (
    image_ref   TEXT PRIMARY KEY,
    format      TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    updated_at  TEXT NOT NULL
)`

// Store is a SQLite-backed fingerprint cache.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the cache database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	}
	for _, stmt := range pragmas {
		if _, execErr := db.Exec(stmt); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", stmt, execErr)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached fingerprint for ref if one was stored with the
// current fingerprint format.
func (s *Store) Get(ctx context.Context, ref string) (fingerprint.Fingerprint, bool, error) {
	var hex string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM fingerprints WHERE image_ref = ? AND format = ?`,
		ref, fingerprint.Format,
	).Scan(&hex)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query fingerprint: %w", err)
	}
	fp, err := fingerprint.Parse(hex)
	if err != nil {
		return 0, false, fmt.Errorf("cached fingerprint for %s: %w", ref, err)
	}
	return fp, true, nil
}

// Put stores fp for ref, replacing any earlier entry.
func (s *Store) Put(ctx context.Context, ref string, fp fingerprint.Fingerprint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (image_ref, format, fingerprint, updated_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(image_ref) DO UPDATE SET
             format = excluded.format,
             fingerprint = excluded.fingerprint,
             updated_at = excluded.updated_at`,
		ref, fingerprint.Format, fp.String(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store fingerprint: %w", err)
	}
	return nil
}

// Count returns the number of cached entries in the current format.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprints WHERE format = ?`, fingerprint.Format,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}
