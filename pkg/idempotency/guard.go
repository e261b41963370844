// Package idempotency provides claim-once guards keyed by deterministic idempotency keys.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard claims a key once per TTL
type Guard interface {
	// Claim returns true the first time key is seen within ttl
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// GenerateKey creates a deterministic key from its parts and a time window
func GenerateKey(window time.Time, interval time.Duration, parts ...string) string {
	if interval > 0 {
		window = window.Truncate(interval)
	}
	data := strings.Join(append(parts, window.UTC().Format(time.RFC3339)), "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// RedisGuard claims keys with SET NX so that every instance shares one view
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard creates a guard over client. Keys are namespaced by prefix.
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix}
}

// Claim implements Guard
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// MemoryGuard claims keys in process
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard creates an in-process guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Claim implements Guard
func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.keys {
		if !now.Before(exp) {
			delete(g.keys, k)
		}
	}
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = now.Add(ttl)
	return true, nil
}
