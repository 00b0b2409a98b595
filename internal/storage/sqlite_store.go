package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-backed bucket store.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_bucket ON kv(bucket);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Bucket returns a handle scoped to the given kind and id.
func (s *SQLiteStore) Bucket(kind, id string) KV {
	return &sqliteBucket{store: s, bucket: bucketName(kind, id)}
}

// DropBucket removes every key in the bucket.
func (s *SQLiteStore) DropBucket(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE bucket = ?", bucketName(kind, id))
	if err != nil {
		return fmt.Errorf("drop bucket: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type sqliteBucket struct {
	store  *SQLiteStore
	bucket string
}

func (b *sqliteBucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	var value []byte
	err := b.store.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE bucket = ? AND key = ?", b.bucket, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key string, value []byte) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	_, err := b.store.db.ExecContext(ctx,
		"INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		b.bucket, key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, key string) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	_, err := b.store.db.ExecContext(ctx,
		"DELETE FROM kv WHERE bucket = ? AND key = ?", b.bucket, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *sqliteBucket) List(ctx context.Context, prefix string) ([]Entry, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	query := "SELECT key, value FROM kv WHERE bucket = ?"
	args := []any{b.bucket}
	if prefix != "" {
		query += " AND key >= ?"
		args = append(args, prefix)
		if end := prefixEnd(prefix); end != "" {
			query += " AND key < ?"
			args = append(args, end)
		}
	}
	query += " ORDER BY key"

	rows, err := b.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}
