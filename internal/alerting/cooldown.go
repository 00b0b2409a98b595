package alerting

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// CooldownKey identifies one fired alert for deduplication.
type CooldownKey struct {
	Severity  Severity
	AlertType AlertType
	Provider  string
	Model     string
	Client    string
}

// String renders the storage key. Fields are joined with a separator the
// dimension values themselves cannot contain meaningfully.
func (k CooldownKey) String() string {
	return strings.Join([]string{
		"alert:cooldown", string(k.Severity), string(k.AlertType), k.Provider, k.Model, k.Client,
	}, ":")
}

// WithSeverity returns the same key at another severity, for the
// page-suppresses-ticket check.
func (k CooldownKey) WithSeverity(s Severity) CooldownKey {
	k.Severity = s
	return k
}

// Cooldowns stores short-lived markers that suppress duplicate alerts.
type Cooldowns interface {
	// Mark records the key with the given TTL.
	Mark(ctx context.Context, key CooldownKey, ttl time.Duration) error

	// Active reports whether an unexpired marker exists for the key.
	Active(ctx context.Context, key CooldownKey) (bool, error)
}

// RedisCooldowns shares markers across evaluator replicas.
type RedisCooldowns struct {
	client *redis.Client
}

// NewRedisCooldowns connects to the Redis instance at addr.
func NewRedisCooldowns(addr string) *RedisCooldowns {
	return &RedisCooldowns{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisCooldowns) Mark(ctx context.Context, key CooldownKey, ttl time.Duration) error {
	if err := c.client.SetNX(ctx, key.String(), "1", ttl).Err(); err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "set cooldown marker").
			WithContext("key", key.String()).Build()
	}
	return nil
}

func (c *RedisCooldowns) Active(ctx context.Context, key CooldownKey) (bool, error) {
	n, err := c.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, errors.WrapError(err, errors.CategoryStorage, "check cooldown marker").
			WithContext("key", key.String()).Build()
	}
	return n > 0, nil
}

// Close releases the Redis connection.
func (c *RedisCooldowns) Close() error { return c.client.Close() }

// MemoryCooldowns is the single-process implementation for tests and dev.
type MemoryCooldowns struct {
	clock clockwork.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryCooldowns creates an empty in-memory marker store. A nil clock
// uses the real clock.
func NewMemoryCooldowns(clock clockwork.Clock) *MemoryCooldowns {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCooldowns{clock: clock, expires: make(map[string]time.Time)}
}

func (c *MemoryCooldowns) Mark(_ context.Context, key CooldownKey, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key.String()
	// SETNX semantics: an unexpired marker is not refreshed.
	if exp, ok := c.expires[k]; ok && c.clock.Now().Before(exp) {
		return nil
	}
	c.expires[k] = c.clock.Now().Add(ttl)
	return nil
}

func (c *MemoryCooldowns) Active(_ context.Context, key CooldownKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expires[key.String()]
	if !ok {
		return false, nil
	}
	if !c.clock.Now().Before(exp) {
		delete(c.expires, key.String())
		return false, nil
	}
	return true, nil
}
