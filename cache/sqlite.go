package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var namespacePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenSQLite opens (or creates) the SQLite database file.
// Use "file::memory:?cache=shared" for an in-memory database.
func OpenSQLite(filename string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// a single connection serializes access, which sqlite needs anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteStorage keeps cache stores in two tables prefixed with the namespace.
// The caller owns the database handle.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	clock      *clock
	stores     string
	entries    string
}

func NewSQLiteStorage(db *sql.DB, namespace string) (*SQLiteStorage, error) {
	if !namespacePattern.MatchString(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}
	s := &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		clock:      &clock{},
		stores:     namespace + "_stores",
		entries:    namespace + "_entries",
	}
	statements := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, created INTEGER NOT NULL)", s.stores),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (store TEXT NOT NULL, key TEXT NOT NULL, stored INTEGER NOT NULL, bytes BLOB, PRIMARY KEY (store, key))", s.entries),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_stored_idx ON %s (store, stored)", s.entries, s.entries),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (name, created) VALUES (?, ?)", s.stores),
		name, s.clock.now().UnixNano())
	if err != nil {
		return nil, err
	}
	return s.Store(name), nil
}

func (s *SQLiteStorage) Store(name string) Store {
	return sqliteStore{storage: s, name: name}
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE name = ?", s.stores), name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE store = ?", s.entries), name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.stores), name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT name FROM %s ORDER BY created ASC, name ASC", s.stores))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteStore struct {
	storage *SQLiteStorage
	name    string
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var stored int64
	var bytes []byte
	err := s.storage.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT stored, bytes FROM %s WHERE store = ? AND key = ?", s.storage.entries),
		s.name, key).Scan(&stored, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(0, stored), Bytes: bytes}, true, nil
}

func (s sqliteStore) Put(ctx context.Context, key string, bytes []byte) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	// only insert if the store still exists
	result, err := s.storage.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (store, key, stored, bytes) SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM %s WHERE name = ?)",
			s.storage.entries, s.storage.stores),
		s.name, key, s.storage.clock.now().UnixNano(), bytes, s.name)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	result, err := s.storage.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE store = ? AND key = ?", s.storage.entries), s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.storage.db.QueryContext(ctx,
		fmt.Sprintf("SELECT key FROM %s WHERE store = ? ORDER BY stored ASC, key ASC", s.storage.entries), s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
