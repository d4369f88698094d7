// Package cache holds shared auth.PermissionCache backends.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"erpcore.dev/internal/auth"
)

const defaultPrefix = "erp-auth"

// RedisPermissionCache shares resolved permission sets between API replicas.
//
// Entries are addressed through a per-membership generation counter:
// invalidating a membership increments the counter, so every entry written
// under the old generation stops being reachable and ages out by TTL.
type RedisPermissionCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

var _ auth.PermissionCache = (*RedisPermissionCache)(nil)

// RedisOptions configures NewRedisPermissionCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// NewRedisPermissionCache dials nothing; the client connects lazily.
func NewRedisPermissionCache(opts RedisOptions) (*RedisPermissionCache, *redis.Client, error) {
	if opts.Addr == "" {
		return nil, nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisPermissionCacheWithClient(client, opts.TTL, opts.Prefix), client, nil
}

// NewRedisPermissionCacheWithClient wraps an existing client.
func NewRedisPermissionCacheWithClient(client redis.Cmdable, ttl time.Duration, prefix string) *RedisPermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisPermissionCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisPermissionCache) generationKey(userID, tenantID string) string {
	return fmt.Sprintf("%s:permgen:%s:%s", c.prefix, userID, tenantID)
}

func (c *RedisPermissionCache) entryKey(key auth.PermissionKey, gen int64) string {
	return fmt.Sprintf("%s:perm:%s:%s:g%d:%s:%d", c.prefix, key.UserID, key.TenantID, gen, key.RoleID, key.RoleVersion)
}

func (c *RedisPermissionCache) generation(ctx context.Context, userID, tenantID string) (int64, error) {
	raw, err := c.client.Get(ctx, c.generationKey(userID, tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("permission generation %q: %w", raw, err)
	}
	return gen, nil
}

func (c *RedisPermissionCache) Get(ctx context.Context, key auth.PermissionKey) (auth.PermissionSet, bool, error) {
	gen, err := c.generation(ctx, key.UserID, key.TenantID)
	if err != nil {
		return nil, false, err
	}
	raw, err := c.client.Get(ctx, c.entryKey(key, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	set, err := decodeSet(raw)
	if err != nil {
		return nil, false, err
	}
	return set, true, nil
}

func (c *RedisPermissionCache) Put(ctx context.Context, key auth.PermissionKey, set auth.PermissionSet) error {
	gen, err := c.generation(ctx, key.UserID, key.TenantID)
	if err != nil {
		return err
	}
	raw, err := encodeSet(set)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.entryKey(key, gen), raw, c.ttl).Err()
}

// InvalidateMembership bumps the generation. The counter lives twice as long
// as an entry so it cannot reset while old-generation entries remain.
func (c *RedisPermissionCache) InvalidateMembership(ctx context.Context, userID, tenantID string) error {
	gk := c.generationKey(userID, tenantID)
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, gk)
	pipe.Expire(ctx, gk, 2*c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func encodeSet(set auth.PermissionSet) ([]byte, error) {
	return json.Marshal(set.Keys())
}

func decodeSet(raw []byte) (auth.PermissionSet, error) {
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode permission set: %w", err)
	}
	return auth.PermissionSetOf(keys...), nil
}
