package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pbet/bet-engine/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// offerRow holds the textual NUMERIC columns of one offer before they are
// decoded into decimals.
type offerRow struct {
	o            model.BetOffer
	makerStake   string
	makerOdds    string
	oppositeOdds string
	takerStake   *string
	takerOdds    *string
	payout       *string
	commission   *string
}

func (r *offerRow) decode() (*model.BetOffer, error) {
	var err error
	o := r.o

	if o.MakerStake, err = decimal.NewFromString(r.makerStake); err != nil {
		return nil, fmt.Errorf("decode maker_stake of %s: %w", o.ID, err)
	}
	if o.MakerOdds, err = decimal.NewFromString(r.makerOdds); err != nil {
		return nil, fmt.Errorf("decode maker_odds of %s: %w", o.ID, err)
	}
	if o.OppositeOdds, err = decimal.NewFromString(r.oppositeOdds); err != nil {
		return nil, fmt.Errorf("decode opposite_odds of %s: %w", o.ID, err)
	}
	if o.TakerStake, err = decodeNullDecimal(r.takerStake); err != nil {
		return nil, fmt.Errorf("decode taker_stake of %s: %w", o.ID, err)
	}
	if o.TakerOdds, err = decodeNullDecimal(r.takerOdds); err != nil {
		return nil, fmt.Errorf("decode taker_odds of %s: %w", o.ID, err)
	}
	if o.Payout, err = decodeNullDecimal(r.payout); err != nil {
		return nil, fmt.Errorf("decode payout of %s: %w", o.ID, err)
	}
	if o.Commission, err = decodeNullDecimal(r.commission); err != nil {
		return nil, fmt.Errorf("decode commission of %s: %w", o.ID, err)
	}
	return &o, nil
}

func decodeNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeNullDecimal(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// utc normalizes a timestamp before it is written.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
