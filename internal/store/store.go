// Package store defines the persistence interface for the bet engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/p2pbet/bet-engine/internal/model"
)

var (
	// ErrNotFound is returned when no offer has the requested id.
	ErrNotFound = errors.New("store: offer not found")

	// ErrConflict is returned by Transition when the stored status no
	// longer equals the expected status.
	ErrConflict = errors.New("store: status changed concurrently")
)

// DefaultPageSize bounds how many rows a listing pulls per round trip.
const DefaultPageSize = 100

// Mutator edits a private copy of the stored record. Returning an error
// aborts the transition and leaves the record unchanged.
type Mutator func(o *model.BetOffer) error

// Filter selects offers for listing. Empty fields match everything.
type Filter struct {
	Status  model.Status
	Sport   string
	MatchID string
	// ExcludeParty drops offers where this user is maker or taker.
	ExcludeParty string
}

// Match reports whether o passes the filter.
func (f Filter) Match(o *model.BetOffer) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Sport != "" && o.Sport != f.Sport {
		return false
	}
	if f.MatchID != "" && o.MatchID != f.MatchID {
		return false
	}
	if f.ExcludeParty != "" && o.IsParty(f.ExcludeParty) {
		return false
	}
	return true
}

// Store is the persistence interface. Every implementation must make
// Transition atomic: the status comparison is part of the write
// condition, so two callers expecting the same status cannot both win.
type Store interface {
	// CreateOffer persists a new offer.
	CreateOffer(ctx context.Context, o *model.BetOffer) error

	// GetOffer retrieves an offer by its ID.
	GetOffer(ctx context.Context, id string) (*model.BetOffer, error)

	// Transition applies mutate to the offer only if its stored status
	// equals expected at the moment of update, and returns the new record.
	// Cancellation leaves the record either fully before or fully after.
	Transition(ctx context.Context, id string, expected model.Status, mutate Mutator) (*model.BetOffer, error)

	// ListOffers returns a lazy, finite sequence of offers matching f,
	// newest first. Each range over the sequence restarts the query.
	ListOffers(ctx context.Context, f Filter) iter.Seq2[model.BetOffer, error]

	// ListByParty returns all offers where userID is maker or taker.
	ListByParty(ctx context.Context, userID string) ([]model.BetOffer, error)
}

// Collect drains a listing into a slice.
func Collect(seq iter.Seq2[model.BetOffer, error]) ([]model.BetOffer, error) {
	var out []model.BetOffer
	for o, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
