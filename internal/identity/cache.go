package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// cachePrefix is the Redis key prefix for cached identities.
	cachePrefix = "identity:"

	// CacheTTL mirrors the platform session lifetime.
	CacheTTL = 1 * time.Hour
)

// CachedResolver wraps a Resolver with a Redis cache so repeated screen
// openings do not re-verify the token. Redis failures fail open: the inner
// resolver is consulted and the error is only logged.
type CachedResolver struct {
	inner Resolver
	rdb   *redis.Client
	key   string
}

// NewCachedResolver creates a cache keyed by a digest of the raw token, so
// a rotated token never serves a stale identity.
func NewCachedResolver(inner Resolver, rdb *redis.Client, token string) *CachedResolver {
	sum := sha256.Sum256([]byte(token))
	return &CachedResolver{
		inner: inner,
		rdb:   rdb,
		key:   cachePrefix + hex.EncodeToString(sum[:]),
	}
}

// Current returns the cached identity if present, otherwise resolves via the
// inner resolver and caches the result with a TTL.
func (c *CachedResolver) Current(ctx context.Context) (Identity, error) {
	fields, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		log.Printf("[identity] redis read error: %v (failing open)", err)
	} else if fields["id"] != "" {
		return Identity{ID: fields["id"], Handle: fields["handle"]}, nil
	}

	id, err := c.inner.Current(ctx)
	if err != nil {
		return Identity{}, err
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, c.key, "id", id.ID, "handle", id.Handle)
	pipe.Expire(ctx, c.key, CacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[identity] redis write error: %v (failing open)", err)
	}
	return id, nil
}
