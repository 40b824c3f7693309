package verify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// CachedAnchor is the redis payload for a confirmed fingerprint. Only
// confirmed records are cached: every other state can still change.
type CachedAnchor struct {
	RecordID        string    `json:"record_id"`
	LedgerReference string    `json:"ledger_reference"`
	LedgerHeight    int64     `json:"ledger_height"`
	LedgerTimestamp time.Time `json:"ledger_timestamp"`
}

// Cache is the confirmed-fingerprint fast path. A nil Cache (redis not
// configured) disables it.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*CachedAnchor, bool)
	Set(ctx context.Context, fingerprint string, anchor CachedAnchor)
}

const cacheKeyPrefix = "anchorline:confirmed:"

// RedisCache implements Cache on go-redis. Cache failures degrade to store
// lookups; they are logged, never surfaced.
type RedisCache struct {
	client goredis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client goredis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*CachedAnchor, bool) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.WarnContext(ctx, "verification cache read failed",
				"fingerprint", fingerprint,
				"error", err.Error(),
			)
		}
		return nil, false
	}

	var anchor CachedAnchor
	if err := json.Unmarshal(raw, &anchor); err != nil {
		c.logger.WarnContext(ctx, "verification cache entry is corrupt",
			"fingerprint", fingerprint,
			"error", err.Error(),
		)
		return nil, false
	}
	return &anchor, true
}

func (c *RedisCache) Set(ctx context.Context, fingerprint string, anchor CachedAnchor) {
	raw, err := json.Marshal(anchor)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+fingerprint, raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "verification cache write failed",
			"fingerprint", fingerprint,
			"error", err.Error(),
		)
	}
}
