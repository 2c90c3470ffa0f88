// Package ledger is the single authority over BetOffer records. It validates
// new offers through the odds calculator, and every later change goes
// through Transition, which enforces the record invariants on top of the
// store's compare-and-swap.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/odds"
	"github.com/p2pbet/bet-engine/internal/store"
)

var (
	// ErrInvalidInput is returned for malformed offers or mutations that
	// would break a record invariant. Nothing is persisted.
	ErrInvalidInput = errors.New("ledger: invalid input")

	// ErrImmutableCommitment is returned when a mutation touches the
	// maker's side of an offer.
	ErrImmutableCommitment = errors.New("ledger: maker commitment is immutable")
)

// NewOffer carries the maker's fields for CreateOffer.
type NewOffer struct {
	MatchID   string
	Sport     string
	MakerID   string
	MakerTeam string
	TakerTeam string

	MakerStake decimal.Decimal
	MakerOdds  decimal.Decimal
	// OppositeOdds is the reference taker-side odds. Zero selects the
	// calculator default.
	OppositeOdds decimal.Decimal

	AcceptWindow time.Duration
}

// Quote is the stake and realized odds preview for one offer.
type Quote struct {
	TakerStake   decimal.Decimal `json:"taker_stake"`
	TakerOdds    decimal.Decimal `json:"taker_odds"`
	MakerP2POdds decimal.Decimal `json:"maker_p2p_odds"`
	TakerP2POdds decimal.Decimal `json:"taker_p2p_odds"`
	// Final is true once the taker side is fixed.
	Final bool `json:"final"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// Ledger owns BetOffer records. It holds no per-offer state of its own;
// all of it lives in the store.
type Ledger struct {
	store store.Store
	calc  *odds.Calculator
	now   func() time.Time
	newID func() string
}

// New creates a ledger over s.
func New(s store.Store, calc *odds.Calculator, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		calc:  calc,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock. Matcher and settlement share it so that
// expiry and timestamps agree.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Calculator returns the calculator offers are validated with.
func (l *Ledger) Calculator() *odds.Calculator {
	return l.calc
}

// CreateOffer validates the maker's fields, assigns an id and persists a
// pending offer.
func (l *Ledger) CreateOffer(ctx context.Context, in NewOffer) (*model.BetOffer, error) {
	if err := validateNewOffer(in); err != nil {
		return nil, err
	}
	opposite := l.calc.TakerOddsOrDefault(in.OppositeOdds)
	if err := odds.ValidateOdds(opposite); err != nil {
		return nil, fmt.Errorf("%w: opposite odds: %w", ErrInvalidInput, err)
	}
	// The offer must be matchable at its reference odds.
	if _, err := odds.Balance(in.MakerStake, in.MakerOdds, opposite); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	o := &model.BetOffer{
		ID:              l.newID(),
		MatchID:         in.MatchID,
		Sport:           strings.ToLower(strings.TrimSpace(in.Sport)),
		MakerID:         in.MakerID,
		MakerTeam:       in.MakerTeam,
		TakerTeam:       in.TakerTeam,
		MakerStake:      in.MakerStake,
		MakerOdds:       in.MakerOdds,
		OppositeOdds:    opposite,
		AcceptWindowSec: int64(in.AcceptWindow / time.Second),
		Status:          model.StatusPending,
		CreatedAt:       l.now(),
	}
	if err := l.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

func validateNewOffer(in NewOffer) error {
	switch {
	case in.MatchID == "":
		return fmt.Errorf("%w: match id is required", ErrInvalidInput)
	case in.MakerID == "":
		return fmt.Errorf("%w: maker id is required", ErrInvalidInput)
	case in.MakerTeam == "" || in.TakerTeam == "":
		return fmt.Errorf("%w: both teams are required", ErrInvalidInput)
	case in.MakerTeam == in.TakerTeam:
		return fmt.Errorf("%w: maker and taker team must differ", ErrInvalidInput)
	case in.AcceptWindow < time.Second:
		return fmt.Errorf("%w: accept window must be at least one second", ErrInvalidInput)
	}
	if err := odds.ValidateStake(in.MakerStake); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := odds.ValidateOdds(in.MakerOdds); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Get returns the offer with id, or store.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*model.BetOffer, error) {
	return l.store.GetOffer(ctx, id)
}

// Transition applies mutate if the stored status equals expected, and
// rejects mutations that change the maker commitment or leave the record
// inconsistent. A lost race surfaces as store.ErrConflict.
func (l *Ledger) Transition(ctx context.Context, id string, expected model.Status, mutate store.Mutator) (*model.BetOffer, error) {
	return l.store.Transition(ctx, id, expected, func(o *model.BetOffer) error {
		before := commitmentOf(o)
		if err := mutate(o); err != nil {
			return err
		}
		if commitmentOf(o) != before {
			return fmt.Errorf("%w: offer %s", ErrImmutableCommitment, id)
		}
		return CheckInvariants(o)
	})
}

// ListOpen yields pending offers matching f, newest first. The status
// field of f is ignored.
func (l *Ledger) ListOpen(ctx context.Context, f store.Filter) iter.Seq2[model.BetOffer, error] {
	f.Status = model.StatusPending
	f.Sport = strings.ToLower(f.Sport)
	return l.store.ListOffers(ctx, f)
}

// ListByMatch returns every offer on matchID regardless of status.
func (l *Ledger) ListByMatch(ctx context.Context, matchID string) ([]model.BetOffer, error) {
	return store.Collect(l.store.ListOffers(ctx, store.Filter{MatchID: matchID}))
}

// ListByParty returns all offers where userID is maker or taker.
func (l *Ledger) ListByParty(ctx context.Context, userID string) ([]model.BetOffer, error) {
	return l.store.ListByParty(ctx, userID)
}

// Exposure sums the stake userID has at risk per match over pending and
// active offers.
func (l *Ledger) Exposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	offers, err := l.ListByParty(ctx, userID)
	if err != nil {
		return nil, err
	}
	exposure := make(map[string]decimal.Decimal)
	for _, o := range offers {
		if o.Status.Terminal() {
			continue
		}
		switch {
		case o.MakerID == userID:
			exposure[o.MatchID] = exposure[o.MatchID].Add(o.MakerStake)
		case o.TakerID == userID && o.TakerStake != nil:
			exposure[o.MatchID] = exposure[o.MatchID].Add(*o.TakerStake)
		}
	}
	return exposure, nil
}

// Preview returns the taker stake and P2P odds for o. Pending offers are
// priced at their reference odds; matched offers report the fixed values.
func (l *Ledger) Preview(o *model.BetOffer) (Quote, error) {
	if o.Status.Matched() && o.TakerStake != nil && o.TakerOdds != nil {
		mp, tp, err := odds.ImpliedOdds(o.MakerStake, *o.TakerStake)
		if err != nil {
			return Quote{}, err
		}
		return Quote{TakerStake: *o.TakerStake, TakerOdds: *o.TakerOdds, MakerP2POdds: mp, TakerP2POdds: tp, Final: true}, nil
	}

	takerOdds := l.calc.TakerOddsOrDefault(o.OppositeOdds)
	ts, err := l.calc.Balance(o.MakerStake, o.MakerOdds, takerOdds)
	if err != nil {
		return Quote{}, err
	}
	mp, tp, err := odds.ImpliedOdds(o.MakerStake, ts)
	if err != nil {
		return Quote{}, err
	}
	return Quote{TakerStake: ts, TakerOdds: takerOdds, MakerP2POdds: mp, TakerP2POdds: tp}, nil
}

type commitment struct {
	makerID    string
	makerTeam  string
	makerStake string
	makerOdds  string
	takerTeam  string
	matchID    string
}

func commitmentOf(o *model.BetOffer) commitment {
	return commitment{
		makerID:    o.MakerID,
		makerTeam:  o.MakerTeam,
		makerStake: o.MakerStake.String(),
		makerOdds:  o.MakerOdds.String(),
		takerTeam:  o.TakerTeam,
		matchID:    o.MatchID,
	}
}

// CheckInvariants verifies the cross-field rules of a BetOffer.
func CheckInvariants(o *model.BetOffer) error {
	if !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, o.Status)
	}
	if err := odds.ValidateOdds(o.MakerOdds); err != nil {
		return fmt.Errorf("%w: maker odds: %w", ErrInvalidInput, err)
	}

	hasTaker := o.TakerStake != nil && o.TakerOdds != nil
	if o.Status.Matched() != hasTaker {
		return fmt.Errorf("%w: taker stake and odds must be set exactly when matched (status %s)", ErrInvalidInput, o.Status)
	}
	if (o.TakerStake == nil) != (o.TakerOdds == nil) {
		return fmt.Errorf("%w: taker stake and odds must be set together", ErrInvalidInput)
	}
	if hasTaker {
		if err := odds.ValidateStake(*o.TakerStake); err != nil {
			return fmt.Errorf("%w: taker stake: %w", ErrInvalidInput, err)
		}
		if err := odds.ValidateOdds(*o.TakerOdds); err != nil {
			return fmt.Errorf("%w: taker odds: %w", ErrInvalidInput, err)
		}
		if o.TakerID == "" || o.MatchedAt == nil {
			return fmt.Errorf("%w: matched offer needs a taker and a match time", ErrInvalidInput)
		}
	}

	switch o.Status {
	case model.StatusWon, model.StatusLost:
		if o.WinnerTeam != o.MakerTeam && o.WinnerTeam != o.TakerTeam {
			return fmt.Errorf("%w: winner %q is not a side of the offer", ErrInvalidInput, o.WinnerTeam)
		}
		if (o.Status == model.StatusWon) != (o.WinnerTeam == o.MakerTeam) {
			return fmt.Errorf("%w: status %s disagrees with winner %q", ErrInvalidInput, o.Status, o.WinnerTeam)
		}
		if o.SettledAt == nil {
			return fmt.Errorf("%w: settled offer needs a settle time", ErrInvalidInput)
		}
	default:
		if o.WinnerTeam != "" {
			return fmt.Errorf("%w: winner set on unsettled offer", ErrInvalidInput)
		}
	}
	return nil
}
