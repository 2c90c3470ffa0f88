package fixture

import (
	"context"
	"fmt"
	"sync"
)

// MemorySource is an in-memory Source for tests and local runs.
type MemorySource struct {
	mu       sync.RWMutex
	fixtures map[string]Fixture
}

// NewMemorySource creates a source seeded with fixtures.
func NewMemorySource(fixtures ...Fixture) *MemorySource {
	s := &MemorySource{fixtures: make(map[string]Fixture)}
	for _, f := range fixtures {
		s.fixtures[f.ID] = f
	}
	return s
}

// Put adds or replaces a fixture.
func (s *MemorySource) Put(f Fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures[f.ID] = f
}

// SetStatus updates the status of a known fixture.
func (s *MemorySource) SetStatus(matchID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fixtures[matchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFixtureNotFound, matchID)
	}
	f.Status = status
	s.fixtures[matchID] = f
	return nil
}

func (s *MemorySource) Fixture(ctx context.Context, matchID string) (*Fixture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fixtures[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, matchID)
	}
	return &f, nil
}
