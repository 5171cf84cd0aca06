// Package cache implements the shared manifest-response cache: a small
// Get/Set/Invalidate interface in front of a swappable backend, with a
// redis implementation via github.com/redis/go-redis/v9. Cache keys fold
// in the bearer's scope so two tenants never observe each other's cached
// bytes.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one cached manifest GET response.
type Entry struct {
	MediaType string
	Digest    string
	RawBytes  []byte
}

// ManifestCache stores manifest GET responses keyed by a scope-qualified
// key, so that two bearers with different pull scopes over the same
// repository path never observe each other's cached bytes.
type ManifestCache interface {
	Get(ctx context.Context, scope, repository, reference string) (*Entry, bool)
	Set(ctx context.Context, scope, repository, reference string, e *Entry) error
	// Invalidate drops every cached reference for repository, regardless of
	// scope, called after any mutation (push/delete) commits a new
	// RepositoryVersion.
	Invalidate(ctx context.Context, repository string) error
}

// key builds the cache key for one (scope, repository, reference) tuple.
// The repository comes first and the scope last, so that a key-space scan
// for invalidation can match every scope's entries on the repository
// prefix.
func key(scope, repository, reference string) string {
	return fmt.Sprintf("manifest/%s/%s/%s", repository, reference, scope)
}

// RedisCache is the shared-process cache backend.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a RedisCache against addr, expiring entries after ttl
// (0 means the driver's default, no expiration).
func NewRedis(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, scope, repository, reference string) (*Entry, bool) {
	k := key(scope, repository, reference)
	mediaType, err := c.client.HGet(ctx, k, "mediaType").Result()
	if err != nil {
		return nil, false
	}
	d, err := c.client.HGet(ctx, k, "digest").Result()
	if err != nil {
		return nil, false
	}
	raw, err := c.client.HGet(ctx, k, "raw").Bytes()
	if err != nil {
		return nil, false
	}
	return &Entry{MediaType: mediaType, Digest: d, RawBytes: raw}, true
}

func (c *RedisCache) Set(ctx context.Context, scope, repository, reference string, e *Entry) error {
	k := key(scope, repository, reference)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, k, "mediaType", e.MediaType, "digest", e.Digest, "raw", e.RawBytes)
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate removes every scope's cached entry for repository, via a
// SCAN/DEL sweep keyed by the repository prefix pattern.
func (c *RedisCache) Invalidate(ctx context.Context, repository string) error {
	pattern := fmt.Sprintf("manifest/%s/*", repository)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
