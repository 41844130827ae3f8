package broker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/canopy-search/canopy/pkg/config"
	"github.com/canopy-search/canopy/pkg/proto"
	pkgredis "github.com/canopy-search/canopy/pkg/redis"
)

const cacheKeyPrefix = "search:"

// ResultCache caches full broker responses in Redis, keyed by a hash of the
// canonical request. Concurrent misses for the same key collapse into one
// computation via singleflight. Entries are invalidated wholesale when a new
// index generation is announced.
type ResultCache struct {
	client *pkgredis.Client
	cfg    config.RedisConfig
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache wraps a redis client.
func NewResultCache(client *pkgredis.Client, cfg config.RedisConfig) *ResultCache {
	return &ResultCache{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "result-cache"),
	}
}

// GetOrCompute returns the cached response for the request or computes,
// stores, and returns it.
func (c *ResultCache) GetOrCompute(ctx context.Context, req *proto.SearchRequest, computeFn func() (*proto.SearchResponse, error)) (*proto.SearchResponse, error) {
	key, err := c.buildKey(req)
	if err != nil {
		return computeFn()
	}
	if resp, ok := c.get(ctx, key); ok {
		return resp, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if resp, ok := c.get(ctx, key); ok {
			return resp, nil
		}
		resp, err := computeFn()
		if err != nil {
			return nil, err
		}
		// Partial responses are not cached; a later attempt may see every
		// shard healthy.
		if !resp.Partial {
			c.set(ctx, key, resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*proto.SearchResponse), nil
}

func (c *ResultCache) get(ctx context.Context, key string) (*proto.SearchResponse, bool) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var resp proto.SearchResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &resp, true
}

func (c *ResultCache) set(ctx context.Context, key string, resp *proto.SearchResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// Invalidate drops every cached response. Wired to index-generation events.
func (c *ResultCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, cacheKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating result cache: %w", err)
	}
	c.logger.Info("result cache invalidated", "keys_deleted", deleted)
	return nil
}

// Stats returns hit and miss counters.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ResultCache) buildKey(req *proto.SearchRequest) (string, error) {
	canonical, err := json.Marshal(struct {
		Namespace string       `json:"ns"`
		Query     any          `json:"q"`
		Route     *proto.Route `json:"r,omitempty"`
		Format    proto.Format `json:"f,omitempty"`
	}{req.Namespace, req.Query, req.Route, req.Format})
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(canonical)
	return fmt.Sprintf("%s%x", cacheKeyPrefix, hash[:16]), nil
}
