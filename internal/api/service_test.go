package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/api"
	"github.com/p2pbet/bet-engine/internal/fixture"
	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/matcher"
	"github.com/p2pbet/bet-engine/internal/model"
	"github.com/p2pbet/bet-engine/internal/odds"
	"github.com/p2pbet/bet-engine/internal/settlement"
	"github.com/p2pbet/bet-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	router   chi.Router
	fixtures *fixture.MemorySource
	clock    *clock
}

// newTestEnv creates the full handler stack over an in-memory store.
func newTestEnv(t *testing.T, health map[string]api.Pinger) *testEnv {
	t.Helper()
	calc, err := odds.NewCalculator(d(2.0))
	if err != nil {
		t.Fatal(err)
	}
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(store.NewMemoryStore(), calc, ledger.WithClock(clk.Now))
	fixtures := fixture.NewMemorySource(
		fixture.Fixture{ID: "m1", Sport: "Cricket", TeamA: "India", TeamB: "Australia",
			Status: fixture.StatusUpcoming, OddsA: d(1.8), OddsB: d(2.2)},
		fixture.Fixture{ID: "m2", Sport: "football", TeamA: "Arsenal", TeamB: "Chelsea",
			Status: fixture.StatusUpcoming},
	)
	log := zap.NewNop()
	m := matcher.New(l, fixtures, nil, nil, log, matcher.Config{AcceptWindow: 30 * time.Minute})
	engine, err := settlement.New(l, nil, log, settlement.DefaultCommissionRate)
	if err != nil {
		t.Fatal(err)
	}

	router := api.NewRouter(api.RouterOptions{
		Service: api.NewService(l, m, engine, log),
		Log:     log,
		Health:  health,
	})
	return &testEnv{router: router, fixtures: fixtures, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (e *testEnv) place(t *testing.T, req api.PlaceBetRequest) api.OfferResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/bets/place", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("place: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[api.OfferResponse](t, w)
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	resp := decodeBody[api.ErrorResponse](t, w)
	if resp.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, resp.Code, resp.Error)
	}
}

// --- Placement ---

func TestPlaceBet_UsesFixture(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000)})

	if resp.Status != model.StatusPending || resp.TakerTeam != "Australia" || resp.Sport != "cricket" {
		t.Errorf("unexpected offer %+v", resp.BetOffer)
	}
	if !resp.MakerOdds.Equal(d(1.8)) || !resp.OppositeOdds.Equal(d(2.2)) {
		t.Errorf("listed odds not applied: maker %s opposite %s", resp.MakerOdds, resp.OppositeOdds)
	}
	// 1000 * (1.8 - 1) / (2.2 - 1)
	if resp.Quote == nil || !resp.Quote.TakerStake.Equal(d(666.67)) || resp.Quote.Final {
		t.Errorf("unexpected quote %+v", resp.Quote)
	}
	if resp.View == nil || resp.View.Role != model.RoleMaker || resp.View.Status != settlement.ViewPending {
		t.Errorf("unexpected view %+v", resp.View)
	}
	if !resp.ExpiresAt.Equal(env.clock.Now().Add(30 * time.Minute)) {
		t.Errorf("unexpected expiry %s", resp.ExpiresAt)
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed body", `{"user_id":`, http.StatusBadRequest, "invalid_input"},
		{"missing user", api.PlaceBetRequest{MatchID: "m1", Team: "India", Stake: d(100), Odds: d(1.8)}, http.StatusBadRequest, "invalid_input"},
		{"negative window", api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(100), Odds: d(1.8), AcceptWindowSec: -1}, http.StatusBadRequest, "invalid_input"},
		{"odds at one", api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(100), Odds: d(1)}, http.StatusBadRequest, "invalid_input"},
		{"zero stake", api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Odds: d(1.8)}, http.StatusBadRequest, "invalid_input"},
		{"unknown team", api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "England", Stake: d(100), Odds: d(1.8)}, http.StatusBadRequest, "invalid_input"},
		{"unknown match", api.PlaceBetRequest{UserID: "alice", MatchID: "m9", Team: "India", Stake: d(100), Odds: d(1.8)}, http.StatusNotFound, "match_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			expectError(t, env.do(t, "POST", "/api/v1/bets/place", tt.body), tt.status, tt.code)
		})
	}
}

func TestPlaceBet_MissingUserMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/bets/place", api.PlaceBetRequest{MatchID: "m1", Team: "India"})
	resp := decodeBody[api.ErrorResponse](t, w)
	if !strings.Contains(resp.Error, "user_id is required") {
		t.Errorf("expected field name in message, got %q", resp.Error)
	}
}

func TestPlaceBet_MatchStarted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fixtures.SetStatus("m1", fixture.StatusLive)
	w := env.do(t, "POST", "/api/v1/bets/place", api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(100)})
	expectError(t, w, http.StatusConflict, "match_started")
}

// --- Accept ---

func TestAcceptBet_BalancesStake(t *testing.T) {
	env := newTestEnv(t, nil)
	offer := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000), Odds: d(1.8)})

	w := env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "bob", Odds: d(2.2)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.OfferResponse](t, w)
	if resp.Status != model.StatusActive || resp.TakerID != "bob" || !resp.TakerStake.Equal(d(666.67)) {
		t.Errorf("unexpected offer %+v", resp.BetOffer)
	}
	if resp.Quote == nil || !resp.Quote.Final || !resp.Quote.MakerP2POdds.Equal(d(1.67)) || !resp.Quote.TakerP2POdds.Equal(d(2.5)) {
		t.Errorf("unexpected quote %+v", resp.Quote)
	}
	if resp.View == nil || resp.View.Role != model.RoleTaker || resp.View.Status != settlement.ViewActive || !resp.View.Amount.Equal(d(1666.67)) {
		t.Errorf("unexpected view %+v", resp.View)
	}

	expectError(t, env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "carol"}),
		http.StatusConflict, "already_matched")
}

func TestAcceptBet_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	offer := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000)})

	expectError(t, env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "alice"}),
		http.StatusBadRequest, "self_match")
	expectError(t, env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{}),
		http.StatusBadRequest, "invalid_input")
	expectError(t, env.do(t, "POST", "/api/v1/bets/accept/missing", api.AcceptBetRequest{UserID: "bob"}),
		http.StatusNotFound, "offer_not_found")

	env.fixtures.SetStatus("m1", fixture.StatusLive)
	expectError(t, env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "bob"}),
		http.StatusConflict, "match_started")
}

func TestAcceptBet_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	offer := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000), AcceptWindowSec: 60})
	env.clock.Advance(2 * time.Minute)

	expectError(t, env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "bob"}),
		http.StatusGone, "offer_expired")
}

func TestAcceptBet_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	offer := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000)})

	const n = 20
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(api.AcceptBetRequest{UserID: "taker-" + string(rune('a'+i))})
			req := httptest.NewRequest("POST", "/api/v1/bets/accept/"+offer.ID, bytes.NewReader(body))
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	ok, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != n-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d (%v)", n-1, ok, conflict, codes)
	}
}

// --- Listings ---

func TestListOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(100)})
	env.clock.Advance(time.Second)
	env.place(t, api.PlaceBetRequest{UserID: "bob", MatchID: "m2", Team: "Arsenal", Stake: d(50), Odds: d(2.5)})
	env.clock.Advance(time.Second)
	c := env.place(t, api.PlaceBetRequest{UserID: "carol", MatchID: "m1", Team: "Australia", Stake: d(200)})
	env.clock.Advance(time.Second)
	matched := env.place(t, api.PlaceBetRequest{UserID: "dave", MatchID: "m1", Team: "India", Stake: d(10)})
	env.do(t, "POST", "/api/v1/bets/accept/"+matched.ID, api.AcceptBetRequest{UserID: "erin"})

	w := env.do(t, "GET", "/api/v1/bets/open?sport=CRICKET", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	list := decodeBody[api.ListResponse](t, w)
	if list.Count != 2 || list.Offers[0].ID != c.ID || list.Offers[1].ID != a.ID {
		t.Fatalf("expected [%s %s], got %+v", c.ID, a.ID, list.Offers)
	}
	for _, o := range list.Offers {
		if o.Quote == nil {
			t.Errorf("open offer %s without preview", o.ID)
		}
	}

	list = decodeBody[api.ListResponse](t, env.do(t, "GET", "/api/v1/bets/open?exclude_user=carol&limit=1", nil))
	if list.Count != 1 || list.Offers[0].MakerID == "carol" {
		t.Errorf("unexpected page %+v", list.Offers)
	}

	expectError(t, env.do(t, "GET", "/api/v1/bets/open?limit=0", nil), http.StatusBadRequest, "invalid_input")
}

func TestListOpen_HidesExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(100), AcceptWindowSec: 60})
	env.clock.Advance(time.Hour)

	list := decodeBody[api.ListResponse](t, env.do(t, "GET", "/api/v1/bets/open", nil))
	if list.Count != 0 || list.Offers == nil {
		t.Errorf("expected an empty, non-null list, got %+v", list)
	}
}

func TestMyBets_AndGetBet(t *testing.T) {
	env := newTestEnv(t, nil)
	offer := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000), Odds: d(1.8)})
	env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "bob", Odds: d(2.2)})
	env.place(t, api.PlaceBetRequest{UserID: "carol", MatchID: "m1", Team: "India", Stake: d(10)})

	list := decodeBody[api.ListResponse](t, env.do(t, "GET", "/api/v1/bets/my/bob", nil))
	if list.Count != 1 || list.Offers[0].View == nil || list.Offers[0].View.Role != model.RoleTaker {
		t.Fatalf("unexpected my-bets %+v", list.Offers)
	}

	byMatch := decodeBody[api.ListResponse](t, env.do(t, "GET", "/api/v1/bets/match/m1", nil))
	if byMatch.Count != 2 {
		t.Errorf("expected 2 offers on m1, got %d", byMatch.Count)
	}

	got := decodeBody[api.OfferResponse](t, env.do(t, "GET", "/api/v1/bets/"+offer.ID+"?user_id=alice", nil))
	if got.ID != offer.ID || got.View == nil || got.View.Role != model.RoleMaker {
		t.Errorf("unexpected offer %+v", got)
	}
	expectError(t, env.do(t, "GET", "/api/v1/bets/missing", nil), http.StatusNotFound, "offer_not_found")
}

// --- Settlement ---

func TestSettleMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	offer := env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m1", Team: "India", Stake: d(1000), Odds: d(1.8)})
	env.do(t, "POST", "/api/v1/bets/accept/"+offer.ID, api.AcceptBetRequest{UserID: "bob", Odds: d(2.2)})

	expectError(t, env.do(t, "POST", "/api/v1/matches/m1/settle", api.SettleRequest{WinnerTeam: "England"}),
		http.StatusBadRequest, "invalid_winner")
	expectError(t, env.do(t, "POST", "/api/v1/matches/m1/settle", api.SettleRequest{}),
		http.StatusBadRequest, "invalid_input")

	w := env.do(t, "POST", "/api/v1/matches/m1/settle", api.SettleRequest{WinnerTeam: "India"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.SettleResponse](t, w)
	if resp.Count != 1 || resp.Offers[0].Status != model.StatusWon || !resp.Offers[0].Payout.Equal(d(1633.34)) {
		t.Errorf("unexpected settle %+v", resp)
	}

	// Same winner again is a no-op returning the same records.
	again := decodeBody[api.SettleResponse](t, env.do(t, "POST", "/api/v1/matches/m1/settle", api.SettleRequest{WinnerTeam: "India"}))
	if again.Count != 1 || !again.Offers[0].Payout.Equal(*resp.Offers[0].Payout) {
		t.Errorf("repeat settle differs: %+v", again)
	}

	expectError(t, env.do(t, "POST", "/api/v1/matches/m1/settle", api.SettleRequest{WinnerTeam: "Australia"}),
		http.StatusInternalServerError, "settlement_conflict")

	view := decodeBody[api.OfferResponse](t, env.do(t, "GET", "/api/v1/bets/"+offer.ID+"?user_id=bob", nil))
	if view.View == nil || view.View.Status != settlement.ViewLost || !view.View.Amount.Equal(d(666.67)) {
		t.Errorf("unexpected taker view %+v", view.View)
	}
}

func TestVoidMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.place(t, api.PlaceBetRequest{UserID: "alice", MatchID: "m2", Team: "Arsenal", Stake: d(100), Odds: d(2)})

	resp := decodeBody[api.SettleResponse](t, env.do(t, "POST", "/api/v1/matches/m2/void", nil))
	if resp.Count != 1 || resp.Offers[0].Status != model.StatusVoid {
		t.Errorf("unexpected void %+v", resp)
	}
}

// --- Ops ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]api.Pinger{
		"store": pingFunc(func(context.Context) error { return nil }),
	})
	if w := env.do(t, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	down := newTestEnv(t, map[string]api.Pinger{
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	w := down.do(t, "GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("expected 503 with detail, got %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "GET", "/api/v1/bets/open", nil)
	w := env.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "betengine_http_requests_total") {
		t.Errorf("metrics not exposed: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("OPTIONS", "/api/v1/bets/open", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Errorf("missing CORS header, status %d", w.Code)
	}
}
