package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newOffer(id, matchID, makerID string, created time.Time) *model.BetOffer {
	return &model.BetOffer{
		ID:              id,
		MatchID:         matchID,
		Sport:           "cricket",
		MakerID:         makerID,
		MakerTeam:       "India",
		TakerTeam:       "Australia",
		MakerStake:      d(1000),
		MakerOdds:       d(1.8),
		OppositeOdds:    d(2.2),
		AcceptWindowSec: 1800,
		Status:          model.StatusPending,
		CreatedAt:       created,
	}
}

func activate(takerID string, at time.Time) store.Mutator {
	return func(o *model.BetOffer) error {
		ts, to := d(666.67), d(2.2)
		o.TakerID = takerID
		o.TakerStake = &ts
		o.TakerOdds = &to
		o.MatchedAt = &at
		o.Status = model.StatusActive
		return nil
	}
}

type storeFactory func(t *testing.T) store.Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "bets.db"), 2)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			if err := s.CreateOffer(ctx, newOffer("o1", "m1", "alice", epoch)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.CreateOffer(ctx, newOffer("o1", "m1", "alice", epoch)); err == nil {
				t.Error("duplicate id should fail")
			}

			got, err := s.GetOffer(ctx, "o1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.MakerID != "alice" || !got.MakerStake.Equal(d(1000)) || !got.MakerOdds.Equal(d(1.8)) {
				t.Errorf("unexpected offer %+v", got)
			}
			if !got.CreatedAt.Equal(epoch) || got.TakerStake != nil || got.TakerID != "" {
				t.Errorf("round trip lost fields: %+v", got)
			}

			if _, err := s.GetOffer(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_Transition(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			s.CreateOffer(ctx, newOffer("o1", "m1", "alice", epoch))

			at := epoch.Add(time.Minute)
			got, err := s.Transition(ctx, "o1", model.StatusPending, activate("bob", at))
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			if got.Status != model.StatusActive || got.TakerID != "bob" || !got.TakerStake.Equal(d(666.67)) {
				t.Errorf("unexpected result %+v", got)
			}

			stored, _ := s.GetOffer(ctx, "o1")
			if stored.MatchedAt == nil || !stored.MatchedAt.Equal(at) || !stored.TakerOdds.Equal(d(2.2)) {
				t.Errorf("transition not persisted: %+v", stored)
			}

			_, err = s.Transition(ctx, "o1", model.StatusPending, activate("carol", at))
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
			if _, err := s.Transition(ctx, "missing", model.StatusPending, activate("carol", at)); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_TransitionMutatorError(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			s.CreateOffer(ctx, newOffer("o1", "m1", "alice", epoch))

			boom := errors.New("boom")
			_, err := s.Transition(ctx, "o1", model.StatusPending, func(o *model.BetOffer) error {
				o.Status = model.StatusVoid
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected mutator error, got %v", err)
			}
			stored, _ := s.GetOffer(ctx, "o1")
			if stored.Status != model.StatusPending {
				t.Errorf("aborted transition changed status to %s", stored.Status)
			}
		})
	}
}

func TestStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			s.CreateOffer(ctx, newOffer("o1", "m1", "alice", epoch))

			const n = 32
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   []string
				conflicts int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(taker string) {
					defer wg.Done()
					_, err := s.Transition(ctx, "o1", model.StatusPending, activate(taker, epoch))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners = append(winners, taker)
					case errors.Is(err, store.ErrConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(fmt.Sprintf("taker-%d", i))
			}
			wg.Wait()

			if len(winners) != 1 || conflicts != n-1 {
				t.Fatalf("expected 1 winner and %d conflicts, got %v and %d", n-1, winners, conflicts)
			}
			stored, _ := s.GetOffer(ctx, "o1")
			if stored.TakerID != winners[0] {
				t.Errorf("stored taker %s, winner %s", stored.TakerID, winners[0])
			}
		})
	}
}

func TestStore_ListOffers(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				o := newOffer(fmt.Sprintf("o%d", i), "m1", fmt.Sprintf("maker-%d", i), epoch.Add(time.Duration(i)*time.Minute))
				s.CreateOffer(ctx, o)
			}
			football := newOffer("f1", "m2", "alice", epoch.Add(10*time.Minute))
			football.Sport = "football"
			s.CreateOffer(ctx, football)
			s.Transition(ctx, "o0", model.StatusPending, activate("bob", epoch))

			got, err := store.Collect(s.ListOffers(ctx, store.Filter{Status: model.StatusPending, Sport: "cricket"}))
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"o4", "o3", "o2", "o1"}
			if len(got) != len(want) {
				t.Fatalf("expected %d offers, got %d", len(want), len(got))
			}
			for i, id := range want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}

			excl, _ := store.Collect(s.ListOffers(ctx, store.Filter{ExcludeParty: "maker-4"}))
			for _, o := range excl {
				if o.IsParty("maker-4") {
					t.Errorf("excluded party listed: %s", o.ID)
				}
			}
			if len(excl) != 5 {
				t.Errorf("expected 5 offers without maker-4, got %d", len(excl))
			}

			byMatch, _ := store.Collect(s.ListOffers(ctx, store.Filter{MatchID: "m2"}))
			if len(byMatch) != 1 || byMatch[0].ID != "f1" {
				t.Errorf("match filter: %+v", byMatch)
			}
		})
	}
}

func TestStore_ListOffersRestartable(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				s.CreateOffer(ctx, newOffer(fmt.Sprintf("o%d", i), "m1", "alice", epoch.Add(time.Duration(i)*time.Second)))
			}

			seq := s.ListOffers(ctx, store.Filter{})
			first, _ := store.Collect(seq)
			second, _ := store.Collect(seq)
			if len(first) != 5 || len(second) != 5 {
				t.Fatalf("expected two full passes, got %d and %d", len(first), len(second))
			}

			// Early break stops the sequence.
			count := 0
			for range seq {
				count++
				if count == 2 {
					break
				}
			}
			if count != 2 {
				t.Errorf("expected to stop at 2, got %d", count)
			}
		})
	}
}

func TestStore_ListByParty(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			s.CreateOffer(ctx, newOffer("o1", "m1", "alice", epoch))
			s.CreateOffer(ctx, newOffer("o2", "m1", "carol", epoch.Add(time.Minute)))
			s.CreateOffer(ctx, newOffer("o3", "m2", "dave", epoch.Add(2*time.Minute)))
			s.Transition(ctx, "o2", model.StatusPending, activate("alice", epoch))

			got, err := s.ListByParty(ctx, "alice")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != "o2" || got[1].ID != "o1" {
				t.Errorf("unexpected party listing: %+v", got)
			}
		})
	}
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	o := newOffer("o1", "m1", "alice", epoch)
	s.CreateOffer(ctx, o)

	o.MakerID = "mallory"
	got, _ := s.GetOffer(ctx, "o1")
	if got.MakerID != "alice" {
		t.Error("caller mutation leaked into the store")
	}

	got.Status = model.StatusVoid
	again, _ := s.GetOffer(ctx, "o1")
	if again.Status != model.StatusPending {
		t.Error("returned record shares state with the store")
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := store.NewMemoryStore()
	s.CreateOffer(context.Background(), newOffer("o1", "m1", "alice", epoch))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Transition(ctx, "o1", model.StatusPending, activate("bob", epoch)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := store.Collect(s.ListOffers(ctx, store.Filter{})); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from listing, got %v", err)
	}
}
