package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process deployments
// that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

// Bucket returns a handle scoped to the given kind and id.
func (s *MemoryStore) Bucket(kind, id string) KV {
	return &memoryBucket{store: s, bucket: bucketName(kind, id)}
}

// DropBucket removes every key in the bucket.
func (s *MemoryStore) DropBucket(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucketName(kind, id))
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryBucket struct {
	store  *MemoryStore
	bucket string
}

func (b *memoryBucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	kv, ok := b.store.buckets[b.bucket]
	if !ok {
		return nil, false, nil
	}
	value, ok := kv[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, value []byte) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	kv, ok := b.store.buckets[b.bucket]
	if !ok {
		kv = make(map[string][]byte)
		b.store.buckets[b.bucket] = kv
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	kv[key] = stored
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key string) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if kv, ok := b.store.buckets[b.bucket]; ok {
		delete(kv, key)
	}
	return nil
}

func (b *memoryBucket) List(ctx context.Context, prefix string) ([]Entry, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	kv, ok := b.store.buckets[b.bucket]
	if !ok {
		return nil, nil
	}
	var entries []Entry
	for key, value := range kv {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out := make([]byte, len(value))
		copy(out, value)
		entries = append(entries, Entry{Key: key, Value: out})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
