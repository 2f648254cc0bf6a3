// internal/state/kv.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/user/tgmux/internal/types"
)

const kvExt = ".db"

// KVDir holds one SQLite key-value file per session at kv/<sessionID>.db.
type KVDir struct {
	root string
}

// NewKVDir creates a KVDir rooted at the given data directory.
func NewKVDir(dataDir string) *KVDir {
	return &KVDir{root: filepath.Join(dataDir, "kv")}
}

func (d *KVDir) Root() string {
	return d.root
}

func (d *KVDir) Path(id types.SessionID) string {
	return filepath.Join(d.root, string(id)+kvExt)
}

// Open opens (creating if needed) the store of the given session.
func (d *KVDir) Open(id types.SessionID) (*SQLiteKV, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return OpenKV(d.Path(id))
}

// Exists reports whether a store file exists for the session.
func (d *KVDir) Exists(id types.SessionID) bool {
	_, err := os.Stat(d.Path(id))
	return err == nil
}

// List returns the ids of all sessions that have a store on disk.
func (d *KVDir) List() ([]types.SessionID, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read kv dir: %w", err)
	}
	var ids []types.SessionID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, kvExt) {
			continue
		}
		id := types.SessionID(strings.TrimSuffix(name, kvExt))
		if id.Validate() != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove deletes the session's store and its WAL side files.
func (d *KVDir) Remove(id types.SessionID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	path := d.Path(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("session not found: %s", id)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// SQLiteKV is a key-value table in a single SQLite file. Keys keep the
// rowid of their first insertion, so List returns entries in the order they
// were first written.
type SQLiteKV struct {
	db   *sql.DB
	path string
}

// OpenKV opens the key-value file at path, creating it and its schema if
// needed.
func OpenKV(path string) (*SQLiteKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open kv: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return &SQLiteKV{db: db, path: path}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) List(ctx context.Context, prefix string) ([]types.KVEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY rowid`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []types.KVEntry
	for rows.Next() {
		var e types.KVEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeletePrefix removes every key under prefix in one statement.
func (s *SQLiteKV) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
