package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p2pbet/bet-engine/internal/fixture"
	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/limit"
	"github.com/p2pbet/bet-engine/internal/matcher"
	"github.com/p2pbet/bet-engine/internal/odds"
	"github.com/p2pbet/bet-engine/internal/settlement"
	"github.com/p2pbet/bet-engine/internal/store"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an engine error to an HTTP status and a stable code.
// Order matters: specific sentinels are checked before the broad ones
// they wrap.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrSettlementConflict):
		return http.StatusInternalServerError, "settlement_conflict"
	case errors.Is(err, matcher.ErrSelfMatch):
		return http.StatusBadRequest, "self_match"
	case errors.Is(err, matcher.ErrOddsMismatch):
		return http.StatusBadRequest, "odds_mismatch"
	case errors.Is(err, settlement.ErrInvalidWinner):
		return http.StatusBadRequest, "invalid_winner"
	case errors.Is(err, ledger.ErrImmutableCommitment):
		return http.StatusInternalServerError, "internal"
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, odds.ErrInvalidOdds),
		errors.Is(err, odds.ErrInvalidStake),
		errors.Is(err, fixture.ErrUnknownSport),
		errors.Is(err, fixture.ErrUnknownTeam):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "offer_not_found"
	case errors.Is(err, fixture.ErrFixtureNotFound):
		return http.StatusNotFound, "match_not_found"
	case errors.Is(err, matcher.ErrAlreadyMatched), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "already_matched"
	case errors.Is(err, matcher.ErrMatchAlreadyStarted):
		return http.StatusConflict, "match_started"
	case errors.Is(err, limit.ErrMatchLimitExceeded), errors.Is(err, limit.ErrTotalLimitExceeded):
		return http.StatusConflict, "limit_exceeded"
	case errors.Is(err, matcher.ErrOfferExpired):
		return http.StatusGone, "offer_expired"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
