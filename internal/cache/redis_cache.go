/**
 * @description
 * Redis-backed helpers: the public profile cache, the email send claim and the
 * checkout rate limiter. A nil *RedisCache is valid and behaves like an empty
 * cache that never limits, so local runs work without Redis.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and Lua scripting.
 */

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sosmoto/sosmoto-service/internal/domain"
)

// ProfileTTL is how long an active profile stays cached.
const ProfileTTL = 24 * time.Hour

// EmailClaimTTL bounds how long a sent email blocks a resend.
const EmailClaimTTL = 7 * 24 * time.Hour

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisCache wraps a Redis client with the service's key layout.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a cache using prefix for every key.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "sosmoto"
	}
	return &RedisCache{client: client, prefix: trimmed}
}

// ProfileKey is the cache key for a profile id.
func (c *RedisCache) ProfileKey(id string) string {
	return c.key("profile:" + id)
}

// EmailClaimKey is the send-claim key for a notification dedup key.
func (c *RedisCache) EmailClaimKey(dedupKey string) string {
	return c.key("email:sent:" + dedupKey)
}

func (c *RedisCache) key(suffix string) string {
	return c.prefix + ":" + suffix
}

func (c *RedisCache) enabled() bool {
	return c != nil && c.client != nil
}

// GetProfile returns the cached profile. found is false on a miss.
func (c *RedisCache) GetProfile(ctx context.Context, id string) (profile *domain.Profile, found bool, err error) {
	if !c.enabled() {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.ProfileKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("decode cached profile %s: %w", id, err)
	}
	return &p, true, nil
}

// SetProfile caches p for ttl.
func (c *RedisCache) SetProfile(ctx context.Context, p *domain.Profile, ttl time.Duration) error {
	if !c.enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = ProfileTTL
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.SetEx(ctx, c.ProfileKey(p.ID), blob, ttl).Err()
}

// ClaimEmail atomically claims dedupKey. claimed is false when another
// delivery already sent (or is sending) the same email.
func (c *RedisCache) ClaimEmail(ctx context.Context, dedupKey string, ttl time.Duration) (claimed bool, err error) {
	if !c.enabled() {
		return true, nil
	}
	if ttl <= 0 {
		ttl = EmailClaimTTL
	}
	return c.client.SetNX(ctx, c.EmailClaimKey(dedupKey), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseEmail drops a claim after a failed send so the retry can send.
func (c *RedisCache) ReleaseEmail(ctx context.Context, dedupKey string) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Del(ctx, c.EmailClaimKey(dedupKey)).Err()
}

// ConsumeRateLimit counts one hit for subject within scope and reports the
// current count and the seconds left in the window.
func (c *RedisCache) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if !c.enabled() || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := c.key("rate_limit:" + normalizedScope + ":" + normalizedSubject)
	rawResult, err := rateLimitScript.Run(ctx, c.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(currentCount), retryAfter, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
