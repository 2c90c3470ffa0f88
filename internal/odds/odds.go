// Package odds implements the peer-to-peer stake balancing used for every
// maker/taker bet: given the maker's stake and odds and the taker's odds,
// it derives the taker stake that balances both sides' risk, and the
// realized P2P odds once both stakes are fixed.
//
// All monetary values use shopspring/decimal; never float64 for money.
// The calculator is stateless; concurrent use needs no synchronization.
package odds

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOdds is returned when any odds value is <= 1.
	ErrInvalidOdds = errors.New("odds: odds must be greater than 1")

	// ErrInvalidStake is returned when a stake is <= 0, or when a balanced
	// stake rounds down to zero.
	ErrInvalidStake = errors.New("odds: stake must be positive")

	// Epsilon floors (takerOdds - 1) so odds approaching 1 never divide
	// by zero.
	Epsilon = decimal.New(1, -6)

	// StakeScale is the number of decimal places for stakes and payouts
	// (currency minor unit).
	StakeScale int32 = 2

	// OddsScale is the number of decimal places for realized P2P odds.
	OddsScale int32 = 2

	one = decimal.NewFromInt(1)
)

// Calculator balances stakes. The only state it carries is the default
// taker odds used when the taker side is not quoted.
type Calculator struct {
	defaultTakerOdds decimal.Decimal
}

// NewCalculator creates a calculator with the given default taker odds.
func NewCalculator(defaultTakerOdds decimal.Decimal) (*Calculator, error) {
	if err := ValidateOdds(defaultTakerOdds); err != nil {
		return nil, err
	}
	return &Calculator{defaultTakerOdds: defaultTakerOdds}, nil
}

// DefaultTakerOdds returns the configured fallback taker odds.
func (c *Calculator) DefaultTakerOdds() decimal.Decimal {
	return c.defaultTakerOdds
}

// TakerOddsOrDefault returns quoted when it is set, otherwise the default.
func (c *Calculator) TakerOddsOrDefault(quoted decimal.Decimal) decimal.Decimal {
	if quoted.IsZero() {
		return c.defaultTakerOdds
	}
	return quoted
}

// Balance computes the taker stake that balances the maker's commitment:
//
//	takerStake = makerStake * (makerOdds - 1) / max(epsilon, takerOdds - 1)
//
// rounded to StakeScale. A zero takerOdds selects the default.
func (c *Calculator) Balance(makerStake, makerOdds, takerOdds decimal.Decimal) (decimal.Decimal, error) {
	return Balance(makerStake, makerOdds, c.TakerOddsOrDefault(takerOdds))
}

// Balance is the package-level form of Calculator.Balance without a default.
func Balance(makerStake, makerOdds, takerOdds decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateStake(makerStake); err != nil {
		return decimal.Zero, err
	}
	if err := ValidateOdds(makerOdds); err != nil {
		return decimal.Zero, err
	}
	if err := ValidateOdds(takerOdds); err != nil {
		return decimal.Zero, err
	}

	denom := decimal.Max(Epsilon, takerOdds.Sub(one))
	takerStake := makerStake.Mul(makerOdds.Sub(one)).Div(denom).Round(StakeScale)

	if !takerStake.IsPositive() {
		return decimal.Zero, ErrInvalidStake
	}
	return takerStake, nil
}

// ImpliedOdds returns the realized P2P odds for both sides:
//
//	makerP2P = 1 + takerStake/makerStake
//	takerP2P = 1 + makerStake/takerStake   (0 when takerStake is 0)
func ImpliedOdds(makerStake, takerStake decimal.Decimal) (makerP2P, takerP2P decimal.Decimal, err error) {
	if err := ValidateStake(makerStake); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if takerStake.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrInvalidStake
	}

	makerP2P = one.Add(takerStake.Div(makerStake)).Round(OddsScale)
	if takerStake.IsZero() {
		return makerP2P, decimal.Zero, nil
	}
	takerP2P = one.Add(makerStake.Div(takerStake)).Round(OddsScale)
	return makerP2P, takerP2P, nil
}

// ValidateOdds checks odds > 1.
func ValidateOdds(v decimal.Decimal) error {
	if v.LessThanOrEqual(one) {
		return ErrInvalidOdds
	}
	return nil
}

// ValidateStake checks stake > 0.
func ValidateStake(v decimal.Decimal) error {
	if !v.IsPositive() {
		return ErrInvalidStake
	}
	return nil
}
