// Package cache persists per-file fingerprints and metric scores in a
// sqlite database next to the scanned folder, keyed by (path, size, mtime).
// A re-run over an unchanged file skips decoding entirely; any change to
// the file invalidates its entry.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultFileName is the cache database created inside the scan root.
const DefaultFileName = "dupsnap_cache.db"

// Entry is one cached extraction result.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time

	Bits   uint64
	Method string
	Width  int
	Height int
	// Scores maps metric name to value. Stored as JSON so new analyzers
	// never need a schema migration; entries missing a requested metric
	// are treated as misses by the engine.
	Scores       map[string]float64
	IntensityVar float64
}

// Store wraps the sqlite connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the cache database at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set journal mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS files(
	  path          TEXT PRIMARY KEY,
	  size          INTEGER NOT NULL,
	  mtime         INTEGER NOT NULL,
	  bits          INTEGER NOT NULL,
	  method        TEXT NOT NULL,
	  width         INTEGER NOT NULL,
	  height        INTEGER NOT NULL,
	  scores        TEXT NOT NULL,
	  intensity_var REAL NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the cached entry for an unchanged file, or nil on miss.
func (s *Store) Get(path string, size int64, modTime time.Time) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT bits, method, width, height, scores, intensity_var
		   FROM files WHERE path = ? AND size = ? AND mtime = ?`,
		path, size, modTime.UnixNano(),
	)

	var (
		bits         int64
		method       string
		width        int
		height       int
		scoresJSON   string
		intensityVar float64
	)
	if err := row.Scan(&bits, &method, &width, &height, &scoresJSON, &intensityVar); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get %s: %w", path, err)
	}

	scores := make(map[string]float64)
	if err := json.Unmarshal([]byte(scoresJSON), &scores); err != nil {
		return nil, fmt.Errorf("cache: decode scores for %s: %w", path, err)
	}
	return &Entry{
		Path:         path,
		Size:         size,
		ModTime:      modTime,
		Bits:         uint64(bits),
		Method:       method,
		Width:        width,
		Height:       height,
		Scores:       scores,
		IntensityVar: intensityVar,
	}, nil
}

// Put inserts or replaces the entry for a file.
func (s *Store) Put(e *Entry) error {
	scoresJSON, err := json.Marshal(e.Scores)
	if err != nil {
		return fmt.Errorf("cache: encode scores for %s: %w", e.Path, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO files(path, size, mtime, bits, method, width, height, scores, intensity_var)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   size = excluded.size,
		   mtime = excluded.mtime,
		   bits = excluded.bits,
		   method = excluded.method,
		   width = excluded.width,
		   height = excluded.height,
		   scores = excluded.scores,
		   intensity_var = excluded.intensity_var`,
		e.Path, e.Size, e.ModTime.UnixNano(), int64(e.Bits), e.Method,
		e.Width, e.Height, string(scoresJSON), e.IntensityVar,
	)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", e.Path, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
