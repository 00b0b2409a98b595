// Package storage provides durable key-value buckets for backplane actors.
// Each build, session, or delivery actor owns one bucket and persists its
// state there, keyed by well-known names.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store hands out named buckets. Bucket handles are cheap; the underlying
// resources belong to the Store and are released by Close.
type Store interface {
	// Bucket returns a handle scoped to kind (e.g. "build", "session") and id.
	Bucket(kind, id string) KV

	// DropBucket removes a bucket and all keys in it.
	DropBucket(ctx context.Context, kind, id string) error

	// Close releases any resources held by the store.
	Close() error
}

// KV is a single bucket of keys.
type KV interface {
	// Get retrieves a value. The second return reports whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a value, replacing any existing one.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, ordered by key.
	// An empty prefix returns the whole bucket.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Entry is one key-value pair from a List call.
type Entry struct {
	Key   string
	Value []byte
}

// GetJSON reads key and unmarshals it into v. Returns false if the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Put(ctx, key, raw)
}

// bucketName joins kind and id into the canonical bucket identifier.
func bucketName(kind, id string) string {
	return kind + "/" + id
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, for range scans. Empty means unbounded.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return ""
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
