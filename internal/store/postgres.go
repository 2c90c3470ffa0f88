package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p2pbet/bet-engine/internal/model"
)

// PostgresSchema creates the offers table. Monetary columns are NUMERIC
// for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS bet_offers (
	id                TEXT PRIMARY KEY,
	match_id          TEXT        NOT NULL,
	sport             TEXT        NOT NULL,
	maker_id          TEXT        NOT NULL,
	taker_id          TEXT,
	maker_team        TEXT        NOT NULL,
	taker_team        TEXT        NOT NULL,
	maker_stake       NUMERIC     NOT NULL CHECK (maker_stake > 0),
	maker_odds        NUMERIC     NOT NULL CHECK (maker_odds > 1),
	opposite_odds     NUMERIC     NOT NULL CHECK (opposite_odds > 1),
	taker_stake       NUMERIC     CHECK (taker_stake > 0),
	taker_odds        NUMERIC     CHECK (taker_odds > 1),
	accept_window_sec BIGINT      NOT NULL,
	status            TEXT        NOT NULL,
	winner_team       TEXT,
	payout            NUMERIC,
	commission        NUMERIC,
	created_at        TIMESTAMPTZ NOT NULL,
	matched_at        TIMESTAMPTZ,
	settled_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS bet_offers_status_created_idx ON bet_offers (status, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS bet_offers_match_idx ON bet_offers (match_id);
CREATE INDEX IF NOT EXISTS bet_offers_maker_idx ON bet_offers (maker_id);
CREATE INDEX IF NOT EXISTS bet_offers_taker_idx ON bet_offers (taker_id);
`

const pgOfferColumns = `id, match_id, sport, maker_id, COALESCE(taker_id, ''), maker_team, taker_team,
	maker_stake::TEXT, maker_odds::TEXT, opposite_odds::TEXT,
	taker_stake::TEXT, taker_odds::TEXT,
	accept_window_sec, status, COALESCE(winner_team, ''),
	payout::TEXT, commission::TEXT,
	created_at, matched_at, settled_at`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool     *pgxpool.Pool
	pageSize int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, pageSize int) *PostgresStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PostgresStore{pool: pool, pageSize: pageSize}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) CreateOffer(ctx context.Context, o *model.BetOffer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bet_offers (id, match_id, sport, maker_id, taker_id, maker_team, taker_team,
		                         maker_stake, maker_odds, opposite_odds, taker_stake, taker_odds,
		                         accept_window_sec, status, winner_team, payout, commission,
		                         created_at, matched_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13, $14, $15, $16::NUMERIC, $17::NUMERIC,
		         $18, $19, $20)`,
		o.ID, o.MatchID, o.Sport, o.MakerID, nullString(o.TakerID), o.MakerTeam, o.TakerTeam,
		o.MakerStake.String(), o.MakerOdds.String(), o.OppositeOdds.String(),
		encodeNullDecimal(o.TakerStake), encodeNullDecimal(o.TakerOdds),
		o.AcceptWindowSec, string(o.Status), nullString(o.WinnerTeam),
		encodeNullDecimal(o.Payout), encodeNullDecimal(o.Commission),
		o.CreatedAt.UTC(), utc(o.MatchedAt), utc(o.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("create offer %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*model.BetOffer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgOfferColumns+` FROM bet_offers WHERE id = $1`, id)
	o, err := scanPostgresOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return o, nil
}

// Transition locks the row, applies the mutator in Go, and writes back
// with the expected status in the WHERE clause. The transaction commits
// only when exactly one row was updated.
func (s *PostgresStore) Transition(ctx context.Context, id string, expected model.Status, mutate Mutator) (*model.BetOffer, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transition %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+pgOfferColumns+` FROM bet_offers WHERE id = $1 FOR UPDATE`, id)
	cur, err := scanPostgresOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock offer %s: %w", id, err)
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: offer %s is %s, expected %s", ErrConflict, id, cur.Status, expected)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE bet_offers
		 SET taker_id = $3, taker_stake = $4::NUMERIC, taker_odds = $5::NUMERIC,
		     status = $6, winner_team = $7, payout = $8::NUMERIC, commission = $9::NUMERIC,
		     matched_at = $10, settled_at = $11
		 WHERE id = $1 AND status = $2`,
		id, string(expected),
		nullString(next.TakerID), encodeNullDecimal(next.TakerStake), encodeNullDecimal(next.TakerOdds),
		string(next.Status), nullString(next.WinnerTeam),
		encodeNullDecimal(next.Payout), encodeNullDecimal(next.Commission),
		utc(next.MatchedAt), utc(next.SettledAt),
	)
	if err != nil {
		return nil, fmt.Errorf("update offer %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("%w: offer %s", ErrConflict, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition %s: %w", id, err)
	}
	return next, nil
}

// ListOffers pages through matching rows with a (created_at, id) keyset
// cursor. Each page is fully read before it is yielded.
func (s *PostgresStore) ListOffers(ctx context.Context, f Filter) iter.Seq2[model.BetOffer, error] {
	return func(yield func(model.BetOffer, error) bool) {
		var afterTime *time.Time
		var afterID string
		for {
			page, err := s.listPage(ctx, f, afterTime, afterID)
			if err != nil {
				yield(model.BetOffer{}, err)
				return
			}
			for _, o := range page {
				if !yield(o, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			afterTime, afterID = &last.CreatedAt, last.ID
		}
	}
}

func (s *PostgresStore) listPage(ctx context.Context, f Filter, afterTime *time.Time, afterID string) ([]model.BetOffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOfferColumns+`
		 FROM bet_offers
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR sport = $2)
		   AND ($3 = '' OR match_id = $3)
		   AND ($4 = '' OR (maker_id <> $4 AND COALESCE(taker_id, '') <> $4))
		   AND ($5::TIMESTAMPTZ IS NULL OR (created_at, id) < ($5::TIMESTAMPTZ, $6))
		 ORDER BY created_at DESC, id DESC
		 LIMIT $7`,
		string(f.Status), f.Sport, f.MatchID, f.ExcludeParty, afterTime, afterID, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	return collectPostgresOffers(rows)
}

func (s *PostgresStore) ListByParty(ctx context.Context, userID string) ([]model.BetOffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOfferColumns+`
		 FROM bet_offers WHERE maker_id = $1 OR taker_id = $1
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list offers of %s: %w", userID, err)
	}
	defer rows.Close()

	return collectPostgresOffers(rows)
}

// Ping checks connectivity for health endpoints.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func collectPostgresOffers(rows pgx.Rows) ([]model.BetOffer, error) {
	var offers []model.BetOffer
	for rows.Next() {
		o, err := scanPostgresOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func scanPostgresOffer(row rowScanner) (*model.BetOffer, error) {
	var r offerRow
	var status string
	if err := row.Scan(&r.o.ID, &r.o.MatchID, &r.o.Sport, &r.o.MakerID, &r.o.TakerID,
		&r.o.MakerTeam, &r.o.TakerTeam,
		&r.makerStake, &r.makerOdds, &r.oppositeOdds,
		&r.takerStake, &r.takerOdds,
		&r.o.AcceptWindowSec, &status, &r.o.WinnerTeam,
		&r.payout, &r.commission,
		&r.o.CreatedAt, &r.o.MatchedAt, &r.o.SettledAt); err != nil {
		return nil, err
	}
	r.o.Status = model.Status(status)
	return r.decode()
}
