// Package cache provides SQLite persistence for the endpoint descriptor.
//
// The cache holds a single keyed row per descriptor kind with
// replace-on-write semantics: readers never observe a partially written
// value, and a stale entry is removed with Purge rather than overwritten
// with garbage. SQLite is opened in WAL mode with a single connection,
// matching how the rest of our tooling uses modernc.org/sqlite.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/portside/portside/internal/models"
)

const (
	dataDirPerms = 0o750

	// DescriptorKey is the fixed key the current endpoint descriptor is
	// stored under.
	DescriptorKey = "endpoint"
)

const timeLayout = time.RFC3339Nano

// ErrNotFound is returned by Load when no descriptor has been cached yet.
var ErrNotFound = errors.New("cache: descriptor not found")

// Store holds the SQLite handle for the descriptor cache.
type Store struct {
	Path string
	DB   *sql.DB
}

// Open connects to SQLite, applies pragmas, and creates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := createSchema(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: path, DB: conn}, nil
}

// Close releases the underlying database connection. Safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Save replaces the cached descriptor under DescriptorKey.
func (s *Store) Save(ctx context.Context, d models.Descriptor) error {
	if s == nil || s.DB == nil {
		return errors.New("cache store is nil")
	}
	if !d.Valid() {
		return fmt.Errorf("cache: refusing to persist invalid descriptor %+v", d)
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO descriptors (key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		DescriptorKey, string(payload), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save descriptor: %w", err)
	}
	return nil
}

// Load returns the cached descriptor, or ErrNotFound when nothing has been
// persisted yet.
func (s *Store) Load(ctx context.Context) (models.Descriptor, error) {
	var d models.Descriptor
	if s == nil || s.DB == nil {
		return d, errors.New("cache store is nil")
	}
	var payload string
	err := s.DB.QueryRowContext(ctx,
		`SELECT payload FROM descriptors WHERE key = ?`, DescriptorKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("load descriptor: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return d, fmt.Errorf("decode cached descriptor: %w", err)
	}
	if !d.Valid() {
		return d, fmt.Errorf("cache: stored descriptor is invalid: %+v", d)
	}
	return d, nil
}

// Purge removes the cached descriptor. Purging an empty cache is not an
// error.
func (s *Store) Purge(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("cache store is nil")
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM descriptors WHERE key = ?`, DescriptorKey); err != nil {
		return fmt.Errorf("purge descriptor: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("cache directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create cache dir %s: %w", path, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS descriptors (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create descriptors table: %w", err)
	}
	return nil
}
