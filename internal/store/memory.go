package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/p2pbet/bet-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*model.BetOffer
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*model.BetOffer),
	}
}

func (s *MemoryStore) CreateOffer(_ context.Context, o *model.BetOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offers[o.ID]; exists {
		return fmt.Errorf("offer %s already exists", o.ID)
	}
	// Store a copy to avoid external mutation.
	s.offers[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.BetOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o.Clone(), nil
}

// Transition holds the write lock across compare, mutate and swap, so the
// status check and the write are one atomic step for this store.
func (s *MemoryStore) Transition(ctx context.Context, id string, expected model.Status, mutate Mutator) (*model.BetOffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: offer %s is %s, expected %s", ErrConflict, id, cur.Status, expected)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.offers[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListOffers(ctx context.Context, f Filter) iter.Seq2[model.BetOffer, error] {
	return func(yield func(model.BetOffer, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(model.BetOffer{}, err)
			return
		}
		// Snapshot under the read lock; yield without holding it so the
		// consumer may call back into the store.
		for _, o := range s.snapshot(f.Match) {
			if !yield(o, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) ListByParty(_ context.Context, userID string) ([]model.BetOffer, error) {
	return s.snapshot(func(o *model.BetOffer) bool { return o.IsParty(userID) }), nil
}

func (s *MemoryStore) snapshot(keep func(*model.BetOffer) bool) []model.BetOffer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BetOffer
	for _, o := range s.offers {
		if keep(o) {
			result = append(result, *o.Clone())
		}
	}
	sortNewestFirst(result)
	return result
}

func sortNewestFirst(offers []model.BetOffer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].ID > offers[j].ID
		}
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})
}
