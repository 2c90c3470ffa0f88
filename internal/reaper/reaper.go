// Package reaper voids pending offers whose accept window has elapsed.
// Expiry is also enforced on accept, so the sweep only tidies listings
// and tells makers their stake is free again.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/metrics"
	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/notify"
	"github.com/p2pbet/bet-engine/internal/store"
)

// DefaultSchedule runs a sweep every 30 seconds.
const DefaultSchedule = "@every 30s"

var errNotExpired = errors.New("reaper: offer not expired")

const notifyTimeout = 2 * time.Second

type Reaper struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	log      *zap.Logger

	cron    *cron.Cron
	baseCtx context.Context
}

func New(l *ledger.Ledger, notifier notify.Notifier, log *zap.Logger) *Reaper {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reaper{ledger: l, notifier: notifier, log: log}
}

// Sweep voids every pending offer that has expired and returns them.
// Offers accepted between the listing and the write are skipped.
func (r *Reaper) Sweep(ctx context.Context) ([]model.BetOffer, error) {
	now := r.ledger.Now()

	// Collect first so no listing is held open across writes.
	var expired []string
	for o, err := range r.ledger.ListOpen(ctx, store.Filter{}) {
		if err != nil {
			return nil, err
		}
		if o.Expired(now) {
			expired = append(expired, o.ID)
		}
	}

	var reaped []model.BetOffer
	for _, id := range expired {
		o, err := r.ledger.Transition(ctx, id, model.StatusPending, func(rec *model.BetOffer) error {
			at := r.ledger.Now()
			if !rec.Expired(at) {
				return errNotExpired
			}
			rec.Status = model.StatusVoid
			rec.SettledAt = &at
			return nil
		})
		switch {
		case errors.Is(err, store.ErrConflict), errors.Is(err, errNotExpired):
			continue
		case err != nil:
			return reaped, err
		}

		metrics.OffersReaped.Inc()
		reaped = append(reaped, *o)

		ev := model.NewEvent(model.EventUpdate, o, *o.SettledAt)
		ev.Reason = "expired"
		r.emit(ctx, ev)
	}

	if len(reaped) > 0 {
		r.log.Info("expired offers voided", zap.Int("count", len(reaped)))
	}
	return reaped, nil
}

// Start schedules Sweep on schedule. Overlapping runs are skipped.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	r.baseCtx = ctx
	r.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log.Sugar()})),
	)
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return err
	}
	r.log.Info("reaper started", zap.String("schedule", schedule))
	r.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.log.Info("reaper stopped")
}

func (r *Reaper) run() {
	ctx := r.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("reaper sweep failed", zap.Error(err))
	}
}

func (r *Reaper) emit(ctx context.Context, ev model.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, ev); err != nil {
		r.log.Warn("notify failed", zap.String("offer_id", ev.OfferID), zap.Error(err))
	}
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
