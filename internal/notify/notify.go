// Package notify delivers bet lifecycle events to interested parties.
// Delivery is best effort: a failed sink is logged and counted, and never
// rolls back the ledger change that produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/metrics"
	"github.com/p2pbet/bet-engine/internal/model"
)

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev model.Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, model.Event) error { return nil }

// Sink is a named notifier; the name labels failure metrics and logs.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Multi fans an event out to every sink. One failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks []Sink
	log   *zap.Logger
}

// NewMulti creates a fan-out over sinks. Nil notifiers are skipped.
func NewMulti(log *zap.Logger, sinks ...Sink) *Multi {
	m := &Multi{log: log}
	for _, s := range sinks {
		if s.Notifier != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Notify(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notifier.Notify(ctx, ev); err != nil {
			metrics.NotifierFailures.WithLabelValues(s.Name).Inc()
			m.log.Warn("event delivery failed",
				zap.String("sink", s.Name),
				zap.String("type", string(ev.Type)),
				zap.String("offer_id", ev.OfferID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Recipients returns the party ids an event is addressed to. A per-party
// view narrows delivery to that party alone.
func Recipients(ev model.Event) []string {
	if ev.View != nil {
		return []string{ev.View.PartyID}
	}
	return ev.Parties
}

// Recorder keeps delivered events in memory. Useful as a sink in tests
// and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Notify(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
