package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new partition store with the given filename as the db.
// If file name is empty or "memory", a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	memory := filename == "" || filename == "memory"
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
	}
	if !memory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init cache db: %w", err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := s.ensure(ctx, name); err != nil {
		return nil, err
	}
	return sqlitePartition{store: s, name: name}, nil
}

func (s *SQLiteStore) ensure(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlitePartition is a handle on a partition name.
// Writing through a handle of a deleted partition recreates the partition.
type sqlitePartition struct {
	store *SQLiteStore
	name  string
}

func (p sqlitePartition) Name() string {
	return p.name
}

func (p sqlitePartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	var storedAt int64
	entry := Entry{Key: key}
	err := p.store.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	return entry, true, nil
}

func (p sqlitePartition) Put(ctx context.Context, entry Entry) error {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()
	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		p.name, time.Now().UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		p.name, entry.Key, entry.StoredAt.UnixMilli(), entry.Bytes); err != nil {
		return err
	}
	return tx.Commit()
}

func (p sqlitePartition) Delete(ctx context.Context, key string) error {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()
	_, err := p.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	return err
}

func (p sqlitePartition) Count(ctx context.Context) (int, error) {
	var count int
	err := p.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE partition = ?", p.name).Scan(&count)
	return count, err
}

func (p sqlitePartition) Keys(ctx context.Context, cb func(string)) error {
	rows, err := p.store.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY key", p.name)
	if err != nil {
		return err
	}
	// collect first, the callback may use the store
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
