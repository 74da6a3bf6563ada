package controlpoint

import (
	"context"
	"time"

	freecache "github.com/coocood/freecache"
	gocache "github.com/eko/gocache/lib/v4/cache"
	libstore "github.com/eko/gocache/lib/v4/store"
	gocachefreecache "github.com/eko/gocache/store/freecache/v4"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// documentCache keeps fetched description documents keyed by URL,
// optionally snappy compressed.
type documentCache struct {
	cache    gocache.CacheInterface[[]byte]
	ttl      time.Duration
	compress bool
	log      *zap.Logger
}

func newDocumentCache(size int, ttl time.Duration, compress bool, log *zap.Logger) *documentCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &documentCache{ttl: ttl, compress: compress, log: log}
	size = cacheSizeBytes(size)
	if size > 0 {
		store := gocachefreecache.NewFreecache(freecache.NewCache(size))
		c.cache = gocache.New[[]byte](store)
	}
	return c
}

func (c *documentCache) get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	value, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	if !c.compress {
		return value, true
	}
	decoded, err := snappy.Decode(nil, value)
	if err != nil {
		c.log.Debug("description cache decode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return decoded, true
}

func (c *documentCache) put(ctx context.Context, key string, value []byte) {
	if c == nil || c.cache == nil || value == nil {
		return
	}
	if c.compress {
		value = snappy.Encode(nil, value)
	}
	if err := c.cache.Set(ctx, key, value, libstore.WithExpiration(c.ttl)); err != nil {
		c.log.Debug("description cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *documentCache) drop(ctx context.Context, key string) {
	if c == nil || c.cache == nil {
		return
	}
	_ = c.cache.Delete(ctx, key)
}

// cacheSizeBytes treats small values as a count of 64KiB blocks. Negative
// disables the cache.
func cacheSizeBytes(size int) int {
	if size == 0 {
		return 16 * 1024 * 1024
	}
	if size > 0 && size < 1024*1024 {
		return size * 64 * 1024
	}
	return size
}
