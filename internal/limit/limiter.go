// Package limit caps how much stake a single party may have at risk.
//
// Exposure is the sum of a party's own stake over pending and active
// offers: the maker stake on offers they made, the taker stake on offers
// they accepted. Two caps apply: one per match, one across all matches.
package limit

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMatchLimitExceeded is returned when a stake would push a party's
	// exposure on one match beyond MaxPerMatch.
	ErrMatchLimitExceeded = errors.New("limit: per-match exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when a stake would push a party's
	// exposure across all matches beyond MaxTotal.
	ErrTotalLimitExceeded = errors.New("limit: total exposure limit exceeded")
)

// ExposureLimiter enforces per-party stake caps. A zero cap disables
// that check.
type ExposureLimiter struct {
	MaxPerMatch decimal.Decimal
	MaxTotal    decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerMatch, maxTotal decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerMatch: maxPerMatch,
		MaxTotal:    maxTotal,
	}
}

// Enabled reports whether any cap is set.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerMatch.IsPositive() || l.MaxTotal.IsPositive())
}

// CheckLimit validates whether adding stake on matchID respects the caps.
//
// Parameters:
//   - matchID: the match the new stake is placed on
//   - stake: the party's additional stake
//   - existing: map of match ID → current exposure for this party
//
// Returns nil if the stake is within limits.
func (l *ExposureLimiter) CheckLimit(
	matchID string,
	stake decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-match limit.
	onMatch := existing[matchID].Add(stake)
	if l.MaxPerMatch.IsPositive() && onMatch.GreaterThan(l.MaxPerMatch) {
		return ErrMatchLimitExceeded
	}

	// 2. Total exposure.
	if l.MaxTotal.IsPositive() {
		total := stake
		for _, exposure := range existing {
			total = total.Add(exposure)
		}
		if total.GreaterThan(l.MaxTotal) {
			return ErrTotalLimitExceeded
		}
	}

	return nil
}
