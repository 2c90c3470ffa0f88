package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a lifecycle event pushed to subscribed parties.
type EventType string

const (
	EventPending EventType = "bet:pending"
	EventMatched EventType = "bet:matched"
	EventResult  EventType = "bet:result"
	EventSettled EventType = "bet:settled"
	EventUpdate  EventType = "bet:update"
)

// Public reports whether the event changes the open-bets listing and
// should reach clients that are not a party to the offer.
func (t EventType) Public() bool {
	return t == EventPending || t == EventMatched || t == EventUpdate
}

// Event is the payload delivered by notifiers. It carries enough of the
// changed record for a client to update its view without re-fetching.
type Event struct {
	Type      EventType `json:"type"`
	OfferID   string    `json:"offer_id"`
	MatchID   string    `json:"match_id"`
	Parties   []string  `json:"parties"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	MakerStake   decimal.Decimal  `json:"maker_stake"`
	MakerOdds    decimal.Decimal  `json:"maker_odds"`
	TakerStake   *decimal.Decimal `json:"taker_stake,omitempty"`
	TakerOdds    *decimal.Decimal `json:"taker_odds,omitempty"`
	MakerP2POdds *decimal.Decimal `json:"maker_p2p_odds,omitempty"`
	TakerP2POdds *decimal.Decimal `json:"taker_p2p_odds,omitempty"`

	WinnerTeam string     `json:"winner_team,omitempty"`
	Payout     *Payout    `json:"payout,omitempty"`
	View       *PartyView `json:"view,omitempty"`
}

// NewEvent builds an event of type t from the current state of o.
func NewEvent(t EventType, o *BetOffer, now time.Time) Event {
	return Event{
		Type:       t,
		OfferID:    o.ID,
		MatchID:    o.MatchID,
		Parties:    o.Parties(),
		Status:     o.Status,
		Timestamp:  now,
		MakerStake: o.MakerStake,
		MakerOdds:  o.MakerOdds,
		TakerStake: cloneDecimal(o.TakerStake),
		TakerOdds:  cloneDecimal(o.TakerOdds),
		WinnerTeam: o.WinnerTeam,
	}
}
