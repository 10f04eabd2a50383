package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheKeyType is the leading segment of every cache key
type CacheKeyType string

const (
	// CacheKeyFx is for resolved conversion rates
	CacheKeyFx CacheKeyType = "fx"
	// CacheKeyPrice is for resolved price marks
	CacheKeyPrice CacheKeyType = "price"
	// CacheKeyOverview is for a user's computed overview
	CacheKeyOverview CacheKeyType = "overview"
)

const cacheDayLayout = "2006-01-02"

// CacheService stores JSON values in Redis under lower-cased,
// colon-separated keys of the form <type>:<part>:...:<yyyy-mm-dd>
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a cache whose Set uses ttl
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{redis: redis, ttl: ttl}
}

func cacheKey(keyType CacheKeyType, day time.Time, parts ...string) string {
	var b strings.Builder
	b.WriteString(string(keyType))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strings.ToLower(p))
	}
	b.WriteByte(':')
	b.WriteString(day.UTC().Format(cacheDayLayout))
	return b.String()
}

// GenerateFxKey is the key of the from->to rate effective on day
func (c *CacheService) GenerateFxKey(from, to string, day time.Time) string {
	return cacheKey(CacheKeyFx, day, from, to)
}

// GeneratePriceKey is the key of an instrument's mark effective on day
func (c *CacheService) GeneratePriceKey(instrumentKey string, day time.Time) string {
	return cacheKey(CacheKeyPrice, day, instrumentKey)
}

// GenerateOverviewKey is the key of a user's overview in base as of day
func (c *CacheService) GenerateOverviewKey(userID, base string, day time.Time) string {
	return cacheKey(CacheKeyOverview, day, userID, base)
}

// Set stores value with the default TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores value for ttl
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get decodes the value under key into dest. A miss returns false and no
// error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// InvalidatePattern drops every key matching a glob such as "overview:*"
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	if _, err := c.redis.DeleteMatching(ctx, pattern); err != nil {
		return fmt.Errorf("failed to invalidate %q: %w", pattern, err)
	}
	return nil
}

// InvalidateUser drops every cached overview of a user
func (c *CacheService) InvalidateUser(ctx context.Context, userID string) error {
	return c.InvalidatePattern(ctx, fmt.Sprintf("%s:%s:*", CacheKeyOverview, strings.ToLower(userID)))
}

// InvalidatePrices drops the cached marks of an instrument
func (c *CacheService) InvalidatePrices(ctx context.Context, instrumentKey string) error {
	return c.InvalidatePattern(ctx, fmt.Sprintf("%s:%s:*", CacheKeyPrice, strings.ToLower(instrumentKey)))
}

