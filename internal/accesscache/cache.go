// Package accesscache holds short-lived access artifacts (signed playback
// URLs) for ready tracks. Invalidate is idempotent: removing an absent entry
// is a success, which the deletion flow relies on under at-least-once event
// delivery.
package accesscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const defaultArtifactTTL = 15 * time.Minute

// Invalidator is the boundary the deletion flow depends on.
type Invalidator interface {
	Invalidate(ctx context.Context, trackID, userID string) error
}

// Cache stores and invalidates access artifacts.
type Cache interface {
	Invalidator
	GetArtifact(ctx context.Context, trackID string) (string, bool, error)
	SetArtifact(ctx context.Context, trackID, userID, artifact string) error
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client) Cache {
	return &redisCache{client: client, ttl: defaultArtifactTTL}
}

func artifactKey(trackID string) string {
	return fmt.Sprintf("access:track:%s", strings.TrimSpace(trackID))
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("access:user:%s", strings.TrimSpace(userID))
}

func (c *redisCache) GetArtifact(ctx context.Context, trackID string) (string, bool, error) {
	val, err := c.client.Get(ctx, artifactKey(trackID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *redisCache) SetArtifact(ctx context.Context, trackID, userID, artifact string) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, artifactKey(trackID), artifact, c.ttl)
	pipe.SAdd(ctx, userIndexKey(userID), trackID)
	pipe.Expire(ctx, userIndexKey(userID), c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisCache) Invalidate(ctx context.Context, trackID, userID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, artifactKey(trackID))
	if strings.TrimSpace(userID) != "" {
		pipe.SRem(ctx, userIndexKey(userID), trackID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MemoryCache is an in-process Cache for tests.
type MemoryCache struct {
	artifacts map[string]string

	// Invalidations counts calls per track id.
	Invalidations map[string]int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		artifacts:     make(map[string]string),
		Invalidations: make(map[string]int),
	}
}

func (c *MemoryCache) GetArtifact(ctx context.Context, trackID string) (string, bool, error) {
	_ = ctx
	val, ok := c.artifacts[trackID]
	return val, ok, nil
}

func (c *MemoryCache) SetArtifact(ctx context.Context, trackID, userID, artifact string) error {
	_ = ctx
	_ = userID
	c.artifacts[trackID] = artifact
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, trackID, userID string) error {
	_ = ctx
	_ = userID
	delete(c.artifacts, trackID)
	c.Invalidations[trackID]++
	return nil
}

var Module = fx.Module("accesscache",
	fx.Provide(NewRedisCache),
	fx.Provide(func(c Cache) Invalidator { return c }),
)
