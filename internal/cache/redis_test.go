package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"erpcore.dev/internal/auth"
)

func TestKeysIncludeGenerationRoleAndVersion(t *testing.T) {
	c := NewRedisPermissionCacheWithClient(nil, 0, "")
	key := auth.PermissionKey{UserID: "u1", TenantID: "t2", RoleID: "admin", RoleVersion: 7}

	if got := c.entryKey(key, 3); got != "erp-auth:perm:u1:t2:g3:admin:7" {
		t.Fatalf("unexpected entry key %q", got)
	}
	if got := c.generationKey("u1", "t2"); got != "erp-auth:permgen:u1:t2" {
		t.Fatalf("unexpected generation key %q", got)
	}
	bumped := key
	bumped.RoleVersion++
	if c.entryKey(key, 0) == c.entryKey(bumped, 0) {
		t.Fatalf("role version must change the entry key")
	}
	if c.ttl != 5*time.Minute {
		t.Fatalf("expected default ttl, got %v", c.ttl)
	}
}

func TestEncodeDecodeSet(t *testing.T) {
	raw, err := encodeSet(auth.PermissionSetOf("po:read", "po:approve"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `["po:approve","po:read"]` {
		t.Fatalf("expected sorted keys, got %s", raw)
	}
	set, err := decodeSet(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !set.Has("po:approve") || !set.Has("po:read") || len(set) != 2 {
		t.Fatalf("unexpected set %v", set)
	}
	if _, err := decodeSet([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRequiresAddr(t *testing.T) {
	if _, _, err := NewRedisPermissionCache(RedisOptions{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}

func TestUnreachableRedisSurfacesError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	c := NewRedisPermissionCacheWithClient(client, time.Minute, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok, err := c.Get(ctx, auth.PermissionKey{UserID: "u", TenantID: "t"}); err == nil || ok {
		t.Fatalf("expected error from unreachable redis, got ok=%v err=%v", ok, err)
	}
}
