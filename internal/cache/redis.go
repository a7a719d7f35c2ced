// Package cache provides a Redis-backed cache of per-chunk LLM
// identification results. Clinical batches frequently contain repeated
// boilerplate (headers, consent paragraphs); caching by content hash lets
// those chunks skip the LLM round-trip entirely on re-runs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/medredact/deid/internal/phi"
)

// Config contains Redis cache configuration.
type Config struct {
	RedisURL       string
	DefaultTTL     time.Duration
	MaxConnections int
	MinIdleConns   int
}

// ResultCache caches LLM chunk results keyed by a content hash.
type ResultCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   int64
	misses int64
}

// NewResultCache creates a new Redis-based result cache and verifies the
// connection.
func NewResultCache(config *Config, logger *zap.Logger) (*ResultCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	cache := &ResultCache{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("LLM result cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// Key derives the cache key for one identification request. Model,
// language and regulation context are part of the key so a config change
// never serves stale detections.
func Key(model, language, regulationContext, chunkText string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(regulationContext))
	h.Write([]byte{0})
	h.Write([]byte(chunkText))
	return "deid:llm:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns cached candidates for the key. A miss or a cache error is
// reported as (nil, false): cache failures never fail the pipeline.
func (rc *ResultCache) Get(ctx context.Context, key string) ([]phi.Candidate, bool) {
	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		atomic.AddInt64(&rc.misses, 1)
		return nil, false
	} else if err != nil {
		rc.logger.Warn("Cache lookup failed", zap.Error(err))
		atomic.AddInt64(&rc.misses, 1)
		return nil, false
	}

	var candidates []phi.Candidate
	if err := json.Unmarshal([]byte(data), &candidates); err != nil {
		rc.logger.Warn("Failed to unmarshal cached result, dropping entry", zap.Error(err))
		rc.client.Del(ctx, key)
		atomic.AddInt64(&rc.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&rc.hits, 1)
	return candidates, true
}

// Set stores candidates under the key with the default TTL. Best-effort:
// failures are logged, not returned.
func (rc *ResultCache) Set(ctx context.Context, key string, candidates []phi.Candidate) {
	data, err := json.Marshal(candidates)
	if err != nil {
		rc.logger.Warn("Failed to marshal candidates for cache", zap.Error(err))
		return
	}
	if err := rc.client.Set(ctx, key, data, rc.config.DefaultTTL).Err(); err != nil {
		rc.logger.Warn("Cache store failed", zap.Error(err))
	}
}

// Stats returns hit/miss counters since startup.
func (rc *ResultCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&rc.hits), atomic.LoadInt64(&rc.misses)
}

// Close releases the Redis connection pool.
func (rc *ResultCache) Close() error {
	return rc.client.Close()
}

// maskRedisURL hides credentials when logging the connection target.
func maskRedisURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}
