package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raceswap/raced/internal/domain"
)

// raceTTL bounds how stale a cached race can get if an invalidation is lost.
// The store remains the source of truth; the cache only absorbs read traffic.
const raceTTL = 5 * time.Minute

// RaceCache implements domain.RaceCache using Redis hashes with the JSON-
// serialized race record.
//
// Key schema:
//
//	race:{id} - hash with field "data" containing JSON
type RaceCache struct {
	rdb *redis.Client
}

// NewRaceCache creates a RaceCache backed by the given Client.
func NewRaceCache(c *Client) *RaceCache {
	return &RaceCache{rdb: c.Underlying()}
}

func raceKey(id string) string { return "race:" + id }

// Set stores a race in the cache, refreshing the TTL. The state machine calls
// this after every applied transition.
func (rc *RaceCache) Set(ctx context.Context, race domain.Race) error {
	data, err := json.Marshal(race)
	if err != nil {
		return fmt.Errorf("redis: marshal race %s: %w", race.ID, err)
	}

	key := raceKey(race.ID)

	pipe := rc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, raceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set race %s: %w", race.ID, err)
	}
	return nil
}

// Get retrieves a race by its ID from the cache.
// It returns domain.ErrNotFound when the key does not exist.
func (rc *RaceCache) Get(ctx context.Context, id string) (domain.Race, error) {
	data, err := rc.rdb.HGet(ctx, raceKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Race{}, domain.ErrNotFound
		}
		return domain.Race{}, fmt.Errorf("redis: get race %s: %w", id, err)
	}

	var race domain.Race
	if err := json.Unmarshal(data, &race); err != nil {
		return domain.Race{}, fmt.Errorf("redis: unmarshal race %s: %w", id, err)
	}
	return race, nil
}

// Invalidate removes a race from the cache.
func (rc *RaceCache) Invalidate(ctx context.Context, id string) error {
	if err := rc.rdb.Del(ctx, raceKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate race %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RaceCache = (*RaceCache)(nil)
