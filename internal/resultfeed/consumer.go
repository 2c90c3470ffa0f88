// Package resultfeed consumes match results from Kafka and drives
// settlement. Completed matches are settled for the reported winner and
// abandoned ones have their pending offers voided.
package resultfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/fixture"
	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/metrics"
	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/settlement"
)

// Result is one message on the results topic.
type Result struct {
	MatchID    string `json:"match_id"`
	Status     string `json:"status"`
	WinnerTeam string `json:"winner_team"`
}

// Outcome labels for processed messages.
const (
	OutcomeSettled  = "settled"
	OutcomeVoided   = "voided"
	OutcomeIgnored  = "ignored"
	OutcomeInvalid  = "invalid"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

var ErrMalformedResult = errors.New("resultfeed: malformed result message")

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Settler is implemented by *settlement.Engine.
type Settler interface {
	Settle(ctx context.Context, matchID, winnerTeam string) ([]model.BetOffer, error)
	Void(ctx context.Context, matchID string) ([]model.BetOffer, error)
}

// StatusMarker records a match status change in the fixture cache.
type StatusMarker interface {
	MarkStatus(ctx context.Context, matchID string, status fixture.Status) error
}

// NewReader builds the consumer-group reader for the results topic.
func NewReader(brokers, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        strings.Split(brokers, ","),
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// Consumer reads result messages until its context is cancelled.
type Consumer struct {
	Log     *zap.Logger
	Reader  MessageReader
	Settler Settler
	// Marker is optional.
	Marker StatusMarker

	// Attempts bounds retries of transient settlement failures.
	Attempts   int
	RetryDelay time.Duration
}

// Run is the consume loop. It returns ctx.Err() once cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warn("kafka read failed", zap.Error(err))
			metrics.ResultMessages.WithLabelValues("read_error").Inc()
			if !sleep(ctx, 500*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		outcome := c.Handle(ctx, m.Value)
		metrics.ResultMessages.WithLabelValues(outcome).Inc()
	}
}

// Handle processes one message value and returns its outcome label.
// Malformed messages and conflicts are logged and not retried.
func (c *Consumer) Handle(ctx context.Context, value []byte) string {
	res, err := decode(value)
	if err != nil {
		c.Log.Warn("invalid result message", zap.Error(err), zap.ByteString("value", value))
		return OutcomeInvalid
	}
	log := c.Log.With(zap.String("match_id", res.MatchID), zap.String("status", res.Status))

	status := fixture.ParseStatus(res.Status)
	if c.Marker != nil {
		if err := c.Marker.MarkStatus(ctx, res.MatchID, status); err != nil {
			log.Warn("fixture cache update failed", zap.Error(err))
		}
	}

	var (
		outcome string
		apply   func() error
	)
	switch status {
	case fixture.StatusCompleted:
		outcome = OutcomeSettled
		apply = func() error {
			settled, err := c.Settler.Settle(ctx, res.MatchID, res.WinnerTeam)
			if err == nil {
				log.Info("result applied", zap.String("winner", res.WinnerTeam), zap.Int("offers", len(settled)))
			}
			return err
		}
	case fixture.StatusAbandoned:
		outcome = OutcomeVoided
		apply = func() error {
			voided, err := c.Settler.Void(ctx, res.MatchID)
			if err == nil {
				log.Info("match abandoned", zap.Int("offers", len(voided)))
			}
			return err
		}
	default:
		log.Debug("status change recorded")
		return OutcomeIgnored
	}

	err = c.retry(ctx, apply)
	switch {
	case err == nil:
		return outcome
	case errors.Is(err, settlement.ErrSettlementConflict):
		// Already logged at error level by the engine; needs manual review.
		return OutcomeConflict
	case errors.Is(err, ledger.ErrInvalidInput):
		log.Error("result rejected", zap.String("winner", res.WinnerTeam), zap.Error(err))
		return OutcomeInvalid
	default:
		log.Error("result not applied", zap.Error(err))
		return OutcomeFailed
	}
}

func (c *Consumer) retry(ctx context.Context, fn func() error) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || permanent(err) {
			return err
		}
		c.Log.Warn("settlement attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		if i < attempts-1 && !sleep(ctx, c.RetryDelay) {
			return ctx.Err()
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, settlement.ErrSettlementConflict) ||
		errors.Is(err, ledger.ErrInvalidInput) ||
		errors.Is(err, context.Canceled)
}

func decode(value []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(value, &res); err != nil {
		return res, fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	res.MatchID = strings.TrimSpace(res.MatchID)
	res.WinnerTeam = strings.TrimSpace(res.WinnerTeam)
	if res.MatchID == "" || res.Status == "" {
		return res, fmt.Errorf("%w: match_id and status are required", ErrMalformedResult)
	}
	if fixture.ParseStatus(res.Status) == fixture.StatusCompleted && res.WinnerTeam == "" {
		return res, fmt.Errorf("%w: completed result without winner_team", ErrMalformedResult)
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
