// Package model defines the core domain types shared across the bet engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a BetOffer.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusWon     Status = "won"
	StatusLost    Status = "lost"
	StatusVoid    Status = "void"
)

// Matched reports whether the taker side of the offer has been fixed.
func (s Status) Matched() bool {
	return s == StatusActive || s == StatusWon || s == StatusLost
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusVoid
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusWon, StatusLost, StatusVoid:
		return true
	}
	return false
}

// BetOffer is the canonical record of one maker/taker bet. It is created
// pending, mutated only through guarded transitions, and never deleted.
//
// Status won/lost is maker-relative: won means the maker's team won.
// Party-relative interpretation lives in settlement.ViewFor.
type BetOffer struct {
	ID      string `json:"id"`
	MatchID string `json:"match_id"`
	Sport   string `json:"sport"`

	MakerID   string `json:"maker_id"`
	TakerID   string `json:"taker_id,omitempty"`
	MakerTeam string `json:"maker_team"`
	TakerTeam string `json:"taker_team"`

	MakerStake decimal.Decimal `json:"maker_stake"`
	MakerOdds  decimal.Decimal `json:"maker_odds"`
	// OppositeOdds is the reference taker-side odds captured at creation,
	// used for previews and as the default quote on accept.
	OppositeOdds decimal.Decimal `json:"opposite_odds"`

	TakerStake *decimal.Decimal `json:"taker_stake"`
	TakerOdds  *decimal.Decimal `json:"taker_odds"`

	AcceptWindowSec int64  `json:"accept_window_sec"`
	Status          Status `json:"status"`
	WinnerTeam      string `json:"winner_team,omitempty"`

	// Payout is the winner's net credit; Commission the fee withheld.
	// Both are set only once the offer is won or lost.
	Payout     *decimal.Decimal `json:"payout,omitempty"`
	Commission *decimal.Decimal `json:"commission,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	MatchedAt *time.Time `json:"matched_at,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// ExpiresAt is the end of the accept window.
func (o *BetOffer) ExpiresAt() time.Time {
	return o.CreatedAt.Add(time.Duration(o.AcceptWindowSec) * time.Second)
}

// Expired reports whether the accept window has elapsed at now.
func (o *BetOffer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt())
}

// IsParty reports whether userID is the maker or the taker.
func (o *BetOffer) IsParty(userID string) bool {
	return userID != "" && (o.MakerID == userID || o.TakerID == userID)
}

// Parties returns the ids of the parties currently attached to the offer.
func (o *BetOffer) Parties() []string {
	if o.TakerID == "" {
		return []string{o.MakerID}
	}
	return []string{o.MakerID, o.TakerID}
}

// Clone returns a deep copy; pointer fields are not shared.
func (o *BetOffer) Clone() *BetOffer {
	c := *o
	c.TakerStake = cloneDecimal(o.TakerStake)
	c.TakerOdds = cloneDecimal(o.TakerOdds)
	c.Payout = cloneDecimal(o.Payout)
	c.Commission = cloneDecimal(o.Commission)
	c.MatchedAt = cloneTime(o.MatchedAt)
	c.SettledAt = cloneTime(o.SettledAt)
	return &c
}

func cloneDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Role is a party's side of an offer.
type Role string

const (
	RoleMaker    Role = "maker"
	RoleTaker    Role = "taker"
	RoleObserver Role = "observer"
)

// PartyView is the role-relative interpretation of one offer for one party.
type PartyView struct {
	OfferID string          `json:"offer_id"`
	PartyID string          `json:"party_id"`
	Role    Role            `json:"role"`
	Status  string          `json:"status"` // PENDING, ACTIVE, WON, LOST, VOID
	Amount  decimal.Decimal `json:"amount"`
	Label   string          `json:"label"`
}

// Payout describes the money movement of one settled offer.
// Credit + Commission always equals the pool (maker + taker stake).
type Payout struct {
	WinnerID   string          `json:"winner_id"`
	LoserID    string          `json:"loser_id"`
	WinnerRole Role            `json:"winner_role"`
	Pool       decimal.Decimal `json:"pool"`
	Credit     decimal.Decimal `json:"credit"`
	Debit      decimal.Decimal `json:"debit"`
	Commission decimal.Decimal `json:"commission"`
}
