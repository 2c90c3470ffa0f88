// Package settlement resolves matched offers once a match result is known.
//
// One canonical record per offer carries the maker-relative outcome
// (won means the maker's team won). Party-relative interpretation is
// derived by ViewFor; there are no per-party copies.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/metrics"
	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/notify"
	"github.com/p2pbet/bet-engine/internal/odds"
	"github.com/p2pbet/bet-engine/internal/store"
)

var (
	// ErrSettlementConflict means the match was already settled with a
	// different winner. Settlement of that match halts for review.
	ErrSettlementConflict = errors.New("settlement: conflicting outcome already recorded")

	ErrInvalidWinner = fmt.Errorf("%w: winner is not a side of the match", ledger.ErrInvalidInput)

	// ErrInvalidCommission is returned for a commission rate outside [0, 1).
	ErrInvalidCommission = errors.New("settlement: commission rate must be in [0, 1)")
)

// DefaultCommissionRate is the fee fraction taken from the winner's profit leg.
var DefaultCommissionRate = decimal.NewFromFloat(0.05)

// maxAttempts bounds re-reads of one offer when a concurrent transition
// changes it under us.
const maxAttempts = 3

const notifyTimeout = 2 * time.Second

// Engine settles and voids offers. It keeps no bet state of its own.
type Engine struct {
	ledger         *ledger.Ledger
	notifier       notify.Notifier
	log            *zap.Logger
	commissionRate decimal.Decimal
}

// New creates an engine with the given commission rate.
func New(l *ledger.Ledger, notifier notify.Notifier, log *zap.Logger, commissionRate decimal.Decimal) (*Engine, error) {
	if commissionRate.IsNegative() || commissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommission, commissionRate)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{ledger: l, notifier: notifier, log: log, commissionRate: commissionRate}, nil
}

// CommissionRate returns the configured rate.
func (e *Engine) CommissionRate() decimal.Decimal {
	return e.commissionRate
}

// ComputePayout splits the pool of a matched offer for winnerTeam. The
// commission is charged on the winner's profit leg only (the loser's
// stake), so Credit + Commission equals the pool exactly.
func ComputePayout(o *model.BetOffer, winnerTeam string, rate decimal.Decimal) (model.Payout, error) {
	if o.TakerStake == nil || o.TakerID == "" {
		return model.Payout{}, fmt.Errorf("%w: offer %s has no taker", ledger.ErrInvalidInput, o.ID)
	}
	if winnerTeam != o.MakerTeam && winnerTeam != o.TakerTeam {
		return model.Payout{}, fmt.Errorf("%w: %q for offer %s", ErrInvalidWinner, winnerTeam, o.ID)
	}

	makerStake, takerStake := o.MakerStake, *o.TakerStake
	p := model.Payout{Pool: makerStake.Add(takerStake)}

	var profit decimal.Decimal
	if winnerTeam == o.MakerTeam {
		p.WinnerID, p.LoserID, p.WinnerRole = o.MakerID, o.TakerID, model.RoleMaker
		profit = takerStake
	} else {
		p.WinnerID, p.LoserID, p.WinnerRole = o.TakerID, o.MakerID, model.RoleTaker
		profit = makerStake
	}

	p.Commission = profit.Mul(rate).Round(odds.StakeScale)
	p.Credit = p.Pool.Sub(p.Commission)
	p.Debit = profit
	return p, nil
}

// Settle resolves every offer on matchID for winnerTeam: active offers
// become won or lost (maker-relative) with payout recorded, pending ones
// become void. It returns the settled offers. Repeating a settle with
// the same winner returns identical records and changes nothing; a
// different winner fails with ErrSettlementConflict before any write.
func (e *Engine) Settle(ctx context.Context, matchID, winnerTeam string) ([]model.BetOffer, error) {
	if matchID == "" || winnerTeam == "" {
		return nil, fmt.Errorf("%w: match id and winner are required", ledger.ErrInvalidInput)
	}

	offers, err := e.ledger.ListByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := e.precheck(matchID, winnerTeam, offers); err != nil {
		return nil, err
	}

	var settled []model.BetOffer
	for i := range offers {
		o, err := e.settleOne(ctx, &offers[i], winnerTeam)
		if err != nil {
			return settled, err
		}
		if o != nil {
			settled = append(settled, *o)
		}
	}

	e.log.Info("match settled",
		zap.String("match_id", matchID),
		zap.String("winner", winnerTeam),
		zap.Int("offers", len(settled)))
	return settled, nil
}

// precheck refuses the whole match before any mutation.
func (e *Engine) precheck(matchID, winnerTeam string, offers []model.BetOffer) error {
	for _, o := range offers {
		if winnerTeam != o.MakerTeam && winnerTeam != o.TakerTeam {
			return fmt.Errorf("%w: %q on match %s", ErrInvalidWinner, winnerTeam, matchID)
		}
		if (o.Status == model.StatusWon || o.Status == model.StatusLost) && o.WinnerTeam != winnerTeam {
			return e.conflict(&o, winnerTeam)
		}
	}
	return nil
}

func (e *Engine) conflict(o *model.BetOffer, winnerTeam string) error {
	metrics.SettlementConflicts.Inc()
	e.log.Error("settlement conflict",
		zap.String("match_id", o.MatchID),
		zap.String("offer_id", o.ID),
		zap.String("recorded_winner", o.WinnerTeam),
		zap.String("requested_winner", winnerTeam))
	return fmt.Errorf("%w: match %s offer %s recorded %q, requested %q",
		ErrSettlementConflict, o.MatchID, o.ID, o.WinnerTeam, winnerTeam)
}

// settleOne drives one offer to its terminal state, re-reading when a
// concurrent transition wins. It returns the record when it ends won or
// lost, nil when it ends void.
func (e *Engine) settleOne(ctx context.Context, o *model.BetOffer, winnerTeam string) (*model.BetOffer, error) {
	cur := o
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var (
			next *model.BetOffer
			err  error
		)
		switch cur.Status {
		case model.StatusWon, model.StatusLost:
			if cur.WinnerTeam != winnerTeam {
				return nil, e.conflict(cur, winnerTeam)
			}
			return cur, nil
		case model.StatusVoid:
			return nil, nil
		case model.StatusActive:
			next, err = e.resolve(ctx, cur, winnerTeam)
		case model.StatusPending:
			next, err = e.voidPending(ctx, cur.ID, "match settled")
		default:
			return nil, fmt.Errorf("%w: offer %s has status %q", ledger.ErrInvalidInput, cur.ID, cur.Status)
		}

		if errors.Is(err, store.ErrConflict) {
			if cur, err = e.ledger.Get(ctx, o.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if next.Status == model.StatusVoid {
			return nil, nil
		}
		return next, nil
	}
	return nil, fmt.Errorf("settle offer %s: gave up after %d attempts", o.ID, maxAttempts)
}

// resolve transitions an active offer to won or lost.
func (e *Engine) resolve(ctx context.Context, o *model.BetOffer, winnerTeam string) (*model.BetOffer, error) {
	p, err := ComputePayout(o, winnerTeam, e.commissionRate)
	if err != nil {
		return nil, err
	}

	updated, err := e.ledger.Transition(ctx, o.ID, model.StatusActive, func(rec *model.BetOffer) error {
		at := e.ledger.Now()
		credit, commission := p.Credit, p.Commission
		rec.WinnerTeam = winnerTeam
		rec.Payout = &credit
		rec.Commission = &commission
		rec.SettledAt = &at
		if winnerTeam == rec.MakerTeam {
			rec.Status = model.StatusWon
		} else {
			rec.Status = model.StatusLost
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Settlements.WithLabelValues(string(updated.Status)).Inc()
	metrics.CommissionCollected.Add(p.Commission.InexactFloat64())
	e.log.Info("offer settled",
		zap.String("offer_id", updated.ID),
		zap.String("winner_id", p.WinnerID),
		zap.String("credit", p.Credit.String()),
		zap.String("commission", p.Commission.String()))

	ev := model.NewEvent(model.EventSettled, updated, *updated.SettledAt)
	ev.Payout = &p
	e.emit(ctx, ev)
	for _, party := range updated.Parties() {
		view := ViewFor(updated, party)
		res := model.NewEvent(model.EventResult, updated, *updated.SettledAt)
		res.Payout = &p
		res.View = &view
		e.emit(ctx, res)
	}
	return updated, nil
}

// Void cancels a match that will not be played: every pending offer on
// matchID becomes void. Active offers are left for review since both
// stakes are committed; they are logged and not returned.
func (e *Engine) Void(ctx context.Context, matchID string) ([]model.BetOffer, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: match id is required", ledger.ErrInvalidInput)
	}
	offers, err := e.ledger.ListByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	var voided []model.BetOffer
	for _, o := range offers {
		switch o.Status {
		case model.StatusPending:
			v, err := e.voidPending(ctx, o.ID, "match abandoned")
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return voided, err
			}
			voided = append(voided, *v)
		case model.StatusActive:
			e.log.Warn("active offer on abandoned match needs review",
				zap.String("match_id", matchID),
				zap.String("offer_id", o.ID))
		}
	}
	e.log.Info("match voided", zap.String("match_id", matchID), zap.Int("offers", len(voided)))
	return voided, nil
}

// voidPending transitions a pending offer to void and emits bet:update.
func (e *Engine) voidPending(ctx context.Context, id, reason string) (*model.BetOffer, error) {
	updated, err := e.ledger.Transition(ctx, id, model.StatusPending, func(rec *model.BetOffer) error {
		at := e.ledger.Now()
		rec.Status = model.StatusVoid
		rec.SettledAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Settlements.WithLabelValues(string(model.StatusVoid)).Inc()

	ev := model.NewEvent(model.EventUpdate, updated, *updated.SettledAt)
	ev.Reason = reason
	e.emit(ctx, ev)
	return updated, nil
}

func (e *Engine) emit(ctx context.Context, ev model.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.log.Warn("notify failed", zap.String("type", string(ev.Type)), zap.String("offer_id", ev.OfferID), zap.Error(err))
	}
}
