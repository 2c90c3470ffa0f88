package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/p2pbet/bet-engine/internal/model"
)

// Party-relative statuses.
const (
	ViewPending = "PENDING"
	ViewActive  = "ACTIVE"
	ViewWon     = "WON"
	ViewLost    = "LOST"
	ViewVoid    = "VOID"
)

// ViewFor derives how offer o looks to partyID. It is a pure function of
// the canonical record.
//
// Amount is the party's own stake while pending or void, the pool while
// active, the net credit for the winner and the forfeited stake for the
// loser. Observers see the maker-relative status and the pool.
func ViewFor(o *model.BetOffer, partyID string) model.PartyView {
	v := model.PartyView{OfferID: o.ID, PartyID: partyID, Role: roleOf(o, partyID)}

	var own decimal.Decimal
	switch v.Role {
	case model.RoleMaker:
		own = o.MakerStake
	case model.RoleTaker:
		if o.TakerStake != nil {
			own = *o.TakerStake
		}
	}
	pool := o.MakerStake
	if o.TakerStake != nil {
		pool = pool.Add(*o.TakerStake)
	}

	switch o.Status {
	case model.StatusPending:
		v.Status, v.Amount, v.Label = ViewPending, own, "Waiting for a taker"
	case model.StatusActive:
		v.Status, v.Amount, v.Label = ViewActive, pool, "Matched, awaiting result"
	case model.StatusVoid:
		v.Status, v.Amount, v.Label = ViewVoid, own, "Voided, stake returned"
	case model.StatusWon, model.StatusLost:
		makerWon := o.Status == model.StatusWon
		switch {
		case v.Role == model.RoleObserver:
			v.Status, v.Amount, v.Label = ViewLost, pool, o.WinnerTeam+" won"
			if makerWon {
				v.Status = ViewWon
			}
		case (v.Role == model.RoleMaker) == makerWon:
			v.Status, v.Label = ViewWon, "You won"
			v.Amount = pool
			if o.Payout != nil {
				v.Amount = *o.Payout
			}
		default:
			v.Status, v.Amount, v.Label = ViewLost, own, "You lost"
		}
	}
	return v
}

func roleOf(o *model.BetOffer, partyID string) model.Role {
	switch {
	case partyID != "" && partyID == o.MakerID:
		return model.RoleMaker
	case partyID != "" && partyID == o.TakerID:
		return model.RoleTaker
	}
	return model.RoleObserver
}
