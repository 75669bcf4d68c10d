package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sumire/notifications/internal/domain"
)

const statsKeyPrefix = "notifications:stats:"

// StatsCache keeps recently computed stats in Redis.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatsCache creates a new StatsCache.
func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{client: client, ttl: ttl}
}

// Get returns the cached stats for rng. A miss returns nil without error.
func (c *StatsCache) Get(ctx context.Context, rng domain.DateRange) (*domain.Stats, error) {
	data, err := c.client.Get(ctx, statsKey(rng)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: get stats: %w", err)
	}

	var stats domain.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("redis: unmarshal stats: %w", err)
	}
	return &stats, nil
}

// Set stores stats for rng until the cache TTL expires.
func (c *StatsCache) Set(ctx context.Context, rng domain.DateRange, stats *domain.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("redis: marshal stats: %w", err)
	}
	if err := c.client.Set(ctx, statsKey(rng), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set stats: %w", err)
	}
	return nil
}

func statsKey(rng domain.DateRange) string {
	bound := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return statsKeyPrefix + bound(rng.Start) + ":" + bound(rng.End)
}
