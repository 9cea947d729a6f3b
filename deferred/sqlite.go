package deferred

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens the deferred write queue in the given file.
// If file name is empty or "memory", a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	memory := filename == "" || filename == "memory"
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open deferred db: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deferred_writes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			dead INTEGER NOT NULL DEFAULT 0
		)`,
		"CREATE INDEX IF NOT EXISTS deferred_kind_idx ON deferred_writes (kind, created_at)",
	}
	if !memory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init deferred db: %w", err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO deferred_writes
		(id, kind, payload, created_at, attempt_count, next_attempt_at, last_error, dead)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), string(payload), toMillis(rec.CreatedAt),
		rec.AttemptCount, toMillis(rec.NextAttemptAt), rec.LastError, rec.Dead)
	if err != nil {
		return fmt.Errorf("insert deferred write: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, payload, created_at, attempt_count, next_attempt_at, last_error, dead
		FROM deferred_writes WHERE kind = ? ORDER BY created_at ASC, id ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list deferred writes: %w", err)
	}
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec                    Record
			payload                string
			createdAt, nextAttempt int64
		)
		if err := rows.Scan(&rec.ID, &payload, &createdAt, &rec.AttemptCount,
			&nextAttempt, &rec.LastError, &rec.Dead); err != nil {
			return nil, fmt.Errorf("scan deferred write: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
		}
		rec.Kind = kind
		rec.CreatedAt = fromMillis(createdAt)
		rec.NextAttemptAt = fromMillis(nextAttempt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, rec Record) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, `UPDATE deferred_writes
		SET attempt_count = ?, next_attempt_at = ?, last_error = ?, dead = ?
		WHERE id = ?`,
		rec.AttemptCount, toMillis(rec.NextAttemptAt), rec.LastError, rec.Dead, rec.ID)
	if err != nil {
		return fmt.Errorf("update deferred write: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("record %s not found", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM deferred_writes WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) Count(ctx context.Context, kind Kind) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deferred_writes WHERE kind = ?", string(kind)).Scan(&count)
	return count, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
