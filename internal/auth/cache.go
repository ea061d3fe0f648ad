package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/blogman/internal/model"
	"github.com/redis/go-redis/v9"
)

// IdentityCache はトークン文字列をキーに解決済みIdentityを保持する。
// 取得に失敗した場合はミスとして扱い、エラーは返さない。
type IdentityCache interface {
	Get(ctx context.Context, token string) (*model.Identity, bool)
	Set(ctx context.Context, token string, identity *model.Identity)
}

type cacheEntry struct {
	identity model.Identity
	storedAt time.Time
}

// MemoryCache はプロセス内のTTL付きキャッシュ。
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache はMemoryCacheを生成する。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: 10000,
		now:        time.Now,
	}
}

// Get はTTL内のエントリを返す。期限切れのエントリは削除する。
func (c *MemoryCache) Get(ctx context.Context, token string) (*model.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, token)
		return nil, false
	}
	identity := entry.identity
	return &identity, true
}

// Set はエントリを保存する。上限に達した場合は期限切れのエントリを掃除し、
// それでも空きが無ければ最も古いエントリを追い出す。
func (c *MemoryCache) Set(ctx context.Context, token string, identity *model.Identity) {
	if identity == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[token]; !exists && len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if now.Sub(e.storedAt) >= c.ttl {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.entries[token] = cacheEntry{identity: *identity, storedAt: now}
}

func (c *MemoryCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Len は保持しているエントリ数を返す（テスト用）。
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

const redisKeyPrefix = "blogman:identity:"

// RedisCache はRedisを使用した共有キャッシュ。複数レプリカ間でキャッシュを共有する。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache はREDIS_URLからRedisCacheを生成する。
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewRedisCacheWithClient は既存のクライアントからRedisCacheを生成する。
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// redisKey はトークンから1対1に対応するキーを導出する。トークン自体は保存しない。
func redisKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

// Get はキャッシュを参照する。Redis障害時はミスとして扱う。
func (c *RedisCache) Get(ctx context.Context, token string) (*model.Identity, bool) {
	data, err := c.client.Get(ctx, redisKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.Warn("identity cache read failed", slog.String("error", err.Error()))
		return nil, false
	}

	var identity model.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		slog.Warn("identity cache entry is corrupted", slog.String("error", err.Error()))
		return nil, false
	}
	return &identity, true
}

// Set はTTL付きでエントリを保存する。失敗はログに記録するのみ。
func (c *RedisCache) Set(ctx context.Context, token string, identity *model.Identity) {
	if identity == nil {
		return
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKey(token), data, c.ttl).Err(); err != nil {
		slog.Warn("identity cache write failed", slog.String("error", err.Error()))
	}
}

// Ping はRedisへの疎通を確認する。
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close はRedisクライアントを閉じる。
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var (
	_ IdentityCache = (*MemoryCache)(nil)
	_ IdentityCache = (*RedisCache)(nil)
)
