package auth

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/blogman/internal/model"
)

func TestMemoryCache_HitWithinTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(ctx, "tok", &model.Identity{SubjectID: "user_1", Role: model.RoleAuthor, Active: true})

	now = now.Add(59 * time.Second)
	got, ok := c.Get(ctx, "tok")
	if !ok || got.SubjectID != "user_1" || got.Role != model.RoleAuthor {
		t.Fatalf("Get() = %+v, %v; want cached identity", got, ok)
	}

	// 返却値の変更がキャッシュに影響しないこと
	got.Role = model.RoleAdmin
	again, _ := c.Get(ctx, "tok")
	if again.Role != model.RoleAuthor {
		t.Errorf("cached identity was mutated: %+v", again)
	}
}

func TestMemoryCache_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(ctx, "tok", &model.Identity{SubjectID: "user_1"})
	now = now.Add(time.Minute)

	if _, ok := c.Get(ctx, "tok"); ok {
		t.Error("expected miss after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, expired entry should be evicted", c.Len())
	}
}

func TestMemoryCache_SweepsExpiredAtCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	c.maxEntries = 2
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(ctx, "a", &model.Identity{SubjectID: "a"})
	c.Set(ctx, "b", &model.Identity{SubjectID: "b"})
	now = now.Add(2 * time.Minute)
	c.Set(ctx, "c", &model.Identity{SubjectID: "c"})

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after sweep", c.Len())
	}
}

// 有効なエントリで満杯の場合も上限を超えず、最も古いエントリが追い出されることを検証
func TestMemoryCache_BoundedWithLiveEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)
	c.maxEntries = 10
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		c.Set(ctx, fmt.Sprintf("tok-%02d", i), &model.Identity{SubjectID: fmt.Sprintf("user_%02d", i)})
	}

	if c.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", c.Len())
	}
	if _, ok := c.Get(ctx, "tok-39"); ok {
		t.Error("oldest entries should have been evicted")
	}
	if got, ok := c.Get(ctx, "tok-49"); !ok || got.SubjectID != "user_49" {
		t.Errorf("newest entry should be cached, got %+v, %v", got, ok)
	}

	// 既存キーの上書きでは追い出しが発生しない
	c.Set(ctx, "tok-40", &model.Identity{SubjectID: "user_40b"})
	if _, ok := c.Get(ctx, "tok-41"); !ok {
		t.Error("overwriting an existing key should not evict others")
	}
}

func TestMemoryCache_NilIdentityIgnored(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	c.Set(context.Background(), "tok", nil)
	if c.Len() != 0 {
		t.Error("nil identity should not be cached")
	}
}

func TestRedisKey_IsDerivedFromToken(t *testing.T) {
	a := redisKey("token-a")
	if !strings.HasPrefix(a, redisKeyPrefix) {
		t.Errorf("key %q missing prefix", a)
	}
	if strings.Contains(a, "token-a") {
		t.Error("raw token must not appear in the key")
	}
	if a != redisKey("token-a") || a == redisKey("token-b") {
		t.Error("key derivation must be deterministic and distinct per token")
	}
}

// Redisに到達できない場合はミスとして扱われ、panicやエラー伝播が起きないことを検証
func TestRedisCache_UnreachableIsMiss(t *testing.T) {
	c, err := NewRedisCache("redis://127.0.0.1:1/0?dial_timeout=100ms&max_retries=-1", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "tok", &model.Identity{SubjectID: "user_1"})
	if _, ok := c.Get(ctx, "tok"); ok {
		t.Error("expected miss when redis is unreachable")
	}
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	if _, err := NewRedisCache("http://not-redis", time.Minute); err == nil {
		t.Error("expected error for non-redis URL")
	}
}
