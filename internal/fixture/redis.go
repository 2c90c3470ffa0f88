package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource serves fixtures from Redis keys "fixture:{matchID}", which
// the score ingestion keeps current, and falls back to a primary source
// on a miss. Fetched fixtures are cached for ttl. Finished matches are
// cached without expiry since their status cannot change.
type RedisSource struct {
	primary Source
	rdb     *redis.Client
	ttl     time.Duration
}

// NewRedisSource wraps primary with a Redis cache.
func NewRedisSource(primary Source, rdb *redis.Client, ttl time.Duration) *RedisSource {
	return &RedisSource{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *RedisSource) Fixture(ctx context.Context, matchID string) (*Fixture, error) {
	data, err := s.rdb.Get(ctx, fixtureKey(matchID)).Bytes()
	if err == nil {
		var f Fixture
		if json.Unmarshal(data, &f) == nil {
			f.Status = ParseStatus(string(f.Status))
			return &f, nil
		}
	}

	f, err := s.primary.Fixture(ctx, matchID)
	if err != nil {
		return nil, err
	}
	s.Store(ctx, f)
	return f, nil
}

// Store writes f to the cache. Result ingestion calls it so that a
// finished match is seen as such before the TTL runs out.
func (s *RedisSource) Store(ctx context.Context, f *Fixture) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	ttl := s.ttl
	if f.Status == StatusCompleted || f.Status == StatusAbandoned {
		ttl = 0
	}
	s.rdb.Set(ctx, fixtureKey(f.ID), data, ttl)
}

// MarkStatus updates the cached status of matchID if it is cached.
func (s *RedisSource) MarkStatus(ctx context.Context, matchID string, status Status) error {
	data, err := s.rdb.Get(ctx, fixtureKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read fixture %s: %w", matchID, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		// Drop the unreadable entry; the next lookup refetches.
		return s.rdb.Del(ctx, fixtureKey(matchID)).Err()
	}
	f.Status = status
	s.Store(ctx, &f)
	return nil
}

func fixtureKey(id string) string { return fmt.Sprintf("fixture:%s", id) }
