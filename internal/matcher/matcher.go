// Package matcher places maker offers and matches them to at most one
// taker. It holds no bet state: every change is a guarded ledger
// transition, and external preconditions are verified before it.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/fixture"
	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/limit"
	"github.com/p2pbet/bet-engine/internal/metrics"
	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/notify"
	"github.com/p2pbet/bet-engine/internal/odds"
	"github.com/p2pbet/bet-engine/internal/store"
)

var (
	// ErrAlreadyMatched means another taker won the race, or the offer
	// was already settled. Callers treat it as "no longer available".
	ErrAlreadyMatched = errors.New("matcher: offer already matched")

	// ErrOfferExpired is returned once the accept window has elapsed or
	// the offer was voided.
	ErrOfferExpired = errors.New("matcher: offer expired")

	// ErrMatchAlreadyStarted is returned when the real-world match is no
	// longer in its pre-start state.
	ErrMatchAlreadyStarted = errors.New("matcher: match already started")

	ErrSelfMatch    = fmt.Errorf("%w: cannot accept your own offer", ledger.ErrInvalidInput)
	ErrOddsMismatch = fmt.Errorf("%w: quoted odds differ from the offer terms", ledger.ErrInvalidInput)
)

const notifyTimeout = 2 * time.Second

// Config holds process-wide matcher settings, read once at startup.
type Config struct {
	// AcceptWindow is used when a placement does not name one.
	AcceptWindow time.Duration
	// StrictTakerOdds rejects quotes that differ from the offer's
	// reference odds.
	StrictTakerOdds bool
	// MatchCheckTimeout bounds the match-status lookup.
	MatchCheckTimeout time.Duration
}

// Matcher is safe for concurrent use.
type Matcher struct {
	ledger   *ledger.Ledger
	fixtures fixture.Source
	limiter  *limit.ExposureLimiter
	notifier notify.Notifier
	log      *zap.Logger
	cfg      Config
}

// New creates a matcher. fixtures may be nil, in which case placements
// must name both teams and the match-status check is skipped. limiter
// may be nil to disable exposure caps.
func New(l *ledger.Ledger, fixtures fixture.Source, limiter *limit.ExposureLimiter, notifier notify.Notifier, log *zap.Logger, cfg Config) *Matcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.AcceptWindow <= 0 {
		cfg.AcceptWindow = 30 * time.Minute
	}
	if cfg.MatchCheckTimeout <= 0 {
		cfg.MatchCheckTimeout = 2 * time.Second
	}
	return &Matcher{
		ledger:   l,
		fixtures: fixtures,
		limiter:  limiter,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
	}
}

// PlaceRequest is a maker's offer. With a fixture source, Sport and
// TakerTeam are derived from the fixture and MakerOdds defaults to the
// listed odds of MakerTeam.
type PlaceRequest struct {
	MatchID      string
	MakerID      string
	MakerTeam    string
	MakerStake   decimal.Decimal
	MakerOdds    decimal.Decimal
	AcceptWindow time.Duration

	Sport     string
	TakerTeam string
}

// Place validates the offer against the fixture and the maker's exposure,
// records it as pending and emits bet:pending.
func (m *Matcher) Place(ctx context.Context, req PlaceRequest) (*model.BetOffer, error) {
	in := ledger.NewOffer{
		MatchID:      req.MatchID,
		Sport:        req.Sport,
		MakerID:      req.MakerID,
		MakerTeam:    req.MakerTeam,
		TakerTeam:    req.TakerTeam,
		MakerStake:   req.MakerStake,
		MakerOdds:    req.MakerOdds,
		AcceptWindow: req.AcceptWindow,
	}
	if in.AcceptWindow <= 0 {
		in.AcceptWindow = m.cfg.AcceptWindow
	}

	if m.fixtures != nil {
		f, err := m.lookupFixture(ctx, req.MatchID)
		if err != nil {
			return nil, err
		}
		if !f.Bettable() {
			return nil, fmt.Errorf("%w: %s is %s", ErrMatchAlreadyStarted, f.ID, f.Status)
		}
		if in.TakerTeam, err = f.Opponent(req.MakerTeam); err != nil {
			return nil, err
		}
		if in.Sport, err = fixture.NormalizeSport(f.Sport); err != nil {
			return nil, err
		}
		if in.MakerOdds.IsZero() {
			in.MakerOdds = f.OddsFor(req.MakerTeam)
		}
		in.OppositeOdds = f.OddsFor(in.TakerTeam)
	} else if in.Sport != "" {
		sport, err := fixture.NormalizeSport(in.Sport)
		if err != nil {
			return nil, err
		}
		in.Sport = sport
	}

	if err := m.checkLimit(ctx, req.MakerID, req.MatchID, req.MakerStake); err != nil {
		return nil, err
	}

	o, err := m.ledger.CreateOffer(ctx, in)
	if err != nil {
		return nil, err
	}
	metrics.OffersCreated.WithLabelValues(o.Sport).Inc()
	m.log.Info("offer placed",
		zap.String("offer_id", o.ID),
		zap.String("match_id", o.MatchID),
		zap.String("maker_id", o.MakerID),
		zap.String("maker_stake", o.MakerStake.String()),
		zap.String("maker_odds", o.MakerOdds.String()))

	m.emit(ctx, model.NewEvent(model.EventPending, o, m.ledger.Now()))
	return o, nil
}

// Accept matches takerID to a pending offer. quotedOdds may be zero to
// take the offer at its reference odds. Of any number of concurrent
// accepts on one offer exactly one succeeds; the rest get
// ErrAlreadyMatched.
func (m *Matcher) Accept(ctx context.Context, offerID, takerID string, quotedOdds decimal.Decimal) (offer *model.BetOffer, err error) {
	start := time.Now()
	defer func() {
		metrics.AcceptLatency.Observe(time.Since(start).Seconds())
		metrics.Accepts.WithLabelValues(outcome(err)).Inc()
	}()

	if takerID == "" {
		return nil, fmt.Errorf("%w: taker id is required", ledger.ErrInvalidInput)
	}

	o, err := m.ledger.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := checkAcceptable(o, takerID, m.ledger.Now()); err != nil {
		return nil, err
	}

	takerOdds, err := m.takerOdds(o, quotedOdds)
	if err != nil {
		return nil, err
	}
	takerStake, err := odds.Balance(o.MakerStake, o.MakerOdds, takerOdds)
	if err != nil {
		return nil, err
	}

	// External preconditions first: a timeout here leaves the ledger as is.
	if err := m.checkMatchNotStarted(ctx, o.MatchID); err != nil {
		return nil, err
	}
	if err := m.checkLimit(ctx, takerID, o.MatchID, takerStake); err != nil {
		return nil, err
	}

	updated, err := m.ledger.Transition(ctx, offerID, model.StatusPending, func(rec *model.BetOffer) error {
		at := m.ledger.Now()
		if rec.Expired(at) {
			return fmt.Errorf("%w: window closed at %s", ErrOfferExpired, rec.ExpiresAt().Format(time.RFC3339))
		}
		ts, to := takerStake, takerOdds
		rec.TakerID = takerID
		rec.TakerStake = &ts
		rec.TakerOdds = &to
		rec.Status = model.StatusActive
		rec.MatchedAt = &at
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, m.explainConflict(ctx, offerID, takerID, err)
	}
	if err != nil {
		return nil, err
	}

	m.log.Info("offer matched",
		zap.String("offer_id", updated.ID),
		zap.String("maker_id", updated.MakerID),
		zap.String("taker_id", takerID),
		zap.String("taker_stake", takerStake.String()),
		zap.String("taker_odds", takerOdds.String()))

	ev := model.NewEvent(model.EventMatched, updated, *updated.MatchedAt)
	// Realized odds are always derived from the committed stakes.
	if mp, tp, err := odds.ImpliedOdds(updated.MakerStake, takerStake); err == nil {
		ev.MakerP2POdds, ev.TakerP2POdds = &mp, &tp
	}
	m.emit(ctx, ev)
	return updated, nil
}

// checkAcceptable applies the local preconditions of an accept.
func checkAcceptable(o *model.BetOffer, takerID string, now time.Time) error {
	switch o.Status {
	case model.StatusPending:
	case model.StatusVoid:
		return fmt.Errorf("%w: offer %s is void", ErrOfferExpired, o.ID)
	default:
		return fmt.Errorf("%w: offer %s is %s", ErrAlreadyMatched, o.ID, o.Status)
	}
	if o.MakerID == takerID {
		return ErrSelfMatch
	}
	if o.Expired(now) {
		return fmt.Errorf("%w: window closed at %s", ErrOfferExpired, o.ExpiresAt().Format(time.RFC3339))
	}
	return nil
}

func (m *Matcher) takerOdds(o *model.BetOffer, quoted decimal.Decimal) (decimal.Decimal, error) {
	if quoted.IsZero() {
		return m.ledger.Calculator().TakerOddsOrDefault(o.OppositeOdds), nil
	}
	if err := odds.ValidateOdds(quoted); err != nil {
		return decimal.Zero, err
	}
	if m.cfg.StrictTakerOdds && !quoted.Equal(o.OppositeOdds) {
		return decimal.Zero, fmt.Errorf("%w: quoted %s, offer %s", ErrOddsMismatch, quoted, o.OppositeOdds)
	}
	return quoted, nil
}

// explainConflict turns a lost CAS into the caller-facing reason.
func (m *Matcher) explainConflict(ctx context.Context, offerID, takerID string, cause error) error {
	m.log.Info("accept lost race", zap.String("offer_id", offerID), zap.String("taker_id", takerID))
	if cur, err := m.ledger.Get(ctx, offerID); err == nil && cur.Status == model.StatusVoid {
		return fmt.Errorf("%w: offer %s was voided", ErrOfferExpired, offerID)
	}
	return fmt.Errorf("%w: %w", ErrAlreadyMatched, cause)
}

func (m *Matcher) lookupFixture(ctx context.Context, matchID string) (*fixture.Fixture, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.MatchCheckTimeout)
	defer cancel()
	f, err := m.fixtures.Fixture(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("match status of %s: %w", matchID, err)
	}
	return f, nil
}

func (m *Matcher) checkMatchNotStarted(ctx context.Context, matchID string) error {
	if m.fixtures == nil {
		return nil
	}
	f, err := m.lookupFixture(ctx, matchID)
	if err != nil {
		return err
	}
	if !f.Bettable() {
		return fmt.Errorf("%w: %s is %s", ErrMatchAlreadyStarted, matchID, f.Status)
	}
	return nil
}

func (m *Matcher) checkLimit(ctx context.Context, userID, matchID string, stake decimal.Decimal) error {
	if !m.limiter.Enabled() {
		return nil
	}
	exposure, err := m.ledger.Exposure(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.limiter.CheckLimit(matchID, stake, exposure); err != nil {
		label := "match"
		if errors.Is(err, limit.ErrTotalLimitExceeded) {
			label = "total"
		}
		metrics.LimitRejections.WithLabelValues(label).Inc()
		return err
	}
	return nil
}

// emit delivers ev after the ledger change is committed. The caller's
// cancellation does not cut delivery short.
func (m *Matcher) emit(ctx context.Context, ev model.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.log.Warn("notify failed", zap.String("type", string(ev.Type)), zap.String("offer_id", ev.OfferID), zap.Error(err))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "matched"
	case errors.Is(err, ErrAlreadyMatched):
		return "already_matched"
	case errors.Is(err, ErrOfferExpired):
		return "expired"
	case errors.Is(err, ErrMatchAlreadyStarted):
		return "match_started"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, limit.ErrMatchLimitExceeded), errors.Is(err, limit.ErrTotalLimitExceeded):
		return "limit"
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, odds.ErrInvalidOdds), errors.Is(err, odds.ErrInvalidStake):
		return "invalid"
	}
	return "error"
}
