package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2pbet/bet-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// single-offer lookups. Transitions always go to the primary, whose CAS
// is authoritative; the cache is refreshed with the committed record or
// invalidated when the transition fails.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateOffer(ctx context.Context, o *model.BetOffer) error {
	if err := s.primary.CreateOffer(ctx, o); err != nil {
		return err
	}
	s.cacheOffer(ctx, o)
	return nil
}

func (s *CachedStore) Transition(ctx context.Context, id string, expected model.Status, mutate Mutator) (*model.BetOffer, error) {
	o, err := s.primary.Transition(ctx, id, expected, mutate)
	if err != nil {
		// The cached copy may be the stale one that made the caller
		// expect the wrong status.
		s.rdb.Del(ctx, offerKey(id))
		return nil, err
	}
	s.cacheOffer(ctx, o)
	return o, nil
}

// --- Read-through ---

func (s *CachedStore) GetOffer(ctx context.Context, id string) (*model.BetOffer, error) {
	data, err := s.rdb.Get(ctx, offerKey(id)).Bytes()
	if err == nil {
		var o model.BetOffer
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	// Cache miss: read from primary.
	o, err := s.primary.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheOffer(ctx, o)
	return o, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOffers(ctx context.Context, f Filter) iter.Seq2[model.BetOffer, error] {
	return s.primary.ListOffers(ctx, f)
}

func (s *CachedStore) ListByParty(ctx context.Context, userID string) ([]model.BetOffer, error) {
	return s.primary.ListByParty(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOffer(ctx context.Context, o *model.BetOffer) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, offerKey(o.ID), data, s.ttl)
	}
}

func offerKey(id string) string { return fmt.Sprintf("offer:%s", id) }
