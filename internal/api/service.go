// Package api exposes the bet engine over HTTP.
//
// Handlers only translate: every rule lives in the matcher, ledger and
// settlement packages, so client views never recompute stakes or payouts.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/matcher"
	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/settlement"
	"github.com/p2pbet/bet-engine/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service holds the HTTP handlers.
type Service struct {
	ledger   *ledger.Ledger
	matcher  *matcher.Matcher
	settler  *settlement.Engine
	log      *zap.Logger
	validate *validator.Validate
}

func NewService(l *ledger.Ledger, m *matcher.Matcher, e *settlement.Engine, log *zap.Logger) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{ledger: l, matcher: m, settler: e, log: log, validate: v}
}

// --- Request/Response types ---

// PlaceBetRequest is the JSON body for POST /bets/place.
type PlaceBetRequest struct {
	UserID  string `json:"user_id" validate:"required,max=128"`
	MatchID string `json:"match_id" validate:"required,max=128"`
	Team    string `json:"team" validate:"required,max=128"`
	// Sport and TakerTeam are only read when no fixture service is configured.
	Sport     string `json:"sport" validate:"omitempty,max=32"`
	TakerTeam string `json:"taker_team" validate:"omitempty,max=128"`

	Stake decimal.Decimal `json:"stake"`
	Odds  decimal.Decimal `json:"odds"`
	// AcceptWindowSec of 0 selects the configured default.
	AcceptWindowSec int64 `json:"accept_window_sec" validate:"gte=0,lte=604800"`
}

// AcceptBetRequest is the JSON body for POST /bets/accept/{offerID}.
type AcceptBetRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	// Odds is the taker's quote; zero accepts the offer's reference odds.
	Odds decimal.Decimal `json:"odds"`
}

// SettleRequest is the JSON body for POST /matches/{matchID}/settle.
type SettleRequest struct {
	WinnerTeam string `json:"winner_team" validate:"required,max=128"`
}

// OfferResponse is an offer with its derived preview and, when a party
// is known, that party's view.
type OfferResponse struct {
	*model.BetOffer
	ExpiresAt time.Time        `json:"expires_at"`
	Quote     *ledger.Quote    `json:"quote,omitempty"`
	View      *model.PartyView `json:"view,omitempty"`
}

// ListResponse wraps offer listings.
type ListResponse struct {
	Offers []OfferResponse `json:"offers"`
	Count  int             `json:"count"`
}

// SettleResponse reports the offers a settle or void call changed.
type SettleResponse struct {
	MatchID string           `json:"match_id"`
	Offers  []model.BetOffer `json:"offers"`
	Count   int              `json:"count"`
}

// --- HTTP Handlers ---

// PlaceBet handles POST /api/v1/bets/place
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if !s.decode(w, r, &req) {
		return
	}

	o, err := s.matcher.Place(r.Context(), matcher.PlaceRequest{
		MatchID:      req.MatchID,
		MakerID:      req.UserID,
		MakerTeam:    req.Team,
		MakerStake:   req.Stake,
		MakerOdds:    req.Odds,
		AcceptWindow: time.Duration(req.AcceptWindowSec) * time.Second,
		Sport:        req.Sport,
		TakerTeam:    req.TakerTeam,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.present(o, req.UserID))
}

// ListOpen handles GET /api/v1/bets/open
// Query: sport, match_id, exclude_user, limit.
func (s *Service) ListOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), "invalid_input", http.StatusBadRequest)
			return
		}
		limit = n
	}

	f := store.Filter{
		Sport:        q.Get("sport"),
		MatchID:      q.Get("match_id"),
		ExcludeParty: q.Get("exclude_user"),
	}
	now := s.ledger.Now()
	resp := ListResponse{Offers: []OfferResponse{}}
	for o, err := range s.ledger.ListOpen(r.Context(), f) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		// Expired offers stay pending until the reaper runs; hide them.
		if o.Expired(now) {
			continue
		}
		resp.Offers = append(resp.Offers, s.present(&o, ""))
		if len(resp.Offers) == limit {
			break
		}
	}
	resp.Count = len(resp.Offers)
	writeJSON(w, http.StatusOK, resp)
}

// MyBets handles GET /api/v1/bets/my/{userID}
// Every offer where the user is maker or taker, with their view.
func (s *Service) MyBets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	offers, err := s.ledger.ListByParty(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeList(w, offers, userID)
}

// MatchBets handles GET /api/v1/bets/match/{matchID}
func (s *Service) MatchBets(w http.ResponseWriter, r *http.Request) {
	offers, err := s.ledger.ListByMatch(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeList(w, offers, r.URL.Query().Get("user_id"))
}

// GetBet handles GET /api/v1/bets/{offerID}
// An optional user_id query parameter adds that party's view.
func (s *Service) GetBet(w http.ResponseWriter, r *http.Request) {
	o, err := s.ledger.Get(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(o, r.URL.Query().Get("user_id")))
}

// AcceptBet handles POST /api/v1/bets/accept/{offerID}
func (s *Service) AcceptBet(w http.ResponseWriter, r *http.Request) {
	var req AcceptBetRequest
	if !s.decode(w, r, &req) {
		return
	}
	o, err := s.matcher.Accept(r.Context(), chi.URLParam(r, "offerID"), req.UserID, req.Odds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(o, req.UserID))
}

// SettleMatch handles POST /api/v1/matches/{matchID}/settle
func (s *Service) SettleMatch(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !s.decode(w, r, &req) {
		return
	}
	matchID := chi.URLParam(r, "matchID")
	settled, err := s.settler.Settle(r.Context(), matchID, req.WinnerTeam)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse(matchID, settled))
}

// VoidMatch handles POST /api/v1/matches/{matchID}/void
func (s *Service) VoidMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	voided, err := s.settler.Void(r.Context(), matchID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse(matchID, voided))
}

func settleResponse(matchID string, offers []model.BetOffer) SettleResponse {
	if offers == nil {
		offers = []model.BetOffer{}
	}
	return SettleResponse{MatchID: matchID, Offers: offers, Count: len(offers)}
}

func (s *Service) writeList(w http.ResponseWriter, offers []model.BetOffer, partyID string) {
	resp := ListResponse{Offers: make([]OfferResponse, 0, len(offers))}
	for i := range offers {
		resp.Offers = append(resp.Offers, s.present(&offers[i], partyID))
	}
	resp.Count = len(resp.Offers)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) present(o *model.BetOffer, partyID string) OfferResponse {
	resp := OfferResponse{BetOffer: o, ExpiresAt: o.ExpiresAt()}
	if o.Status == model.StatusPending || o.Status.Matched() {
		if q, err := s.ledger.Preview(o); err == nil {
			resp.Quote = &q
		}
	}
	if partyID != "" {
		v := settlement.ViewFor(o, partyID)
		resp.View = &v
	}
	return resp
}

// decode reads and validates a JSON body. It writes the 400 itself.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, describeValidation(err), "invalid_input", http.StatusBadRequest)
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

// fail maps err to a response. Server-side failures are logged and their
// detail withheld from the client.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		if code == "internal" {
			msg = "internal error"
		}
	}
	writeError(w, msg, code, status)
}
