package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p2pbet/bet-engine/internal/model"
)

// SQLiteSchema mirrors PostgresSchema. Decimals are stored as TEXT and
// timestamps as fixed-width UTC TEXT so lexical order is time order.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS bet_offers (
	id                TEXT PRIMARY KEY,
	match_id          TEXT    NOT NULL,
	sport             TEXT    NOT NULL,
	maker_id          TEXT    NOT NULL,
	taker_id          TEXT,
	maker_team        TEXT    NOT NULL,
	taker_team        TEXT    NOT NULL,
	maker_stake       TEXT    NOT NULL,
	maker_odds        TEXT    NOT NULL,
	opposite_odds     TEXT    NOT NULL,
	taker_stake       TEXT,
	taker_odds        TEXT,
	accept_window_sec INTEGER NOT NULL,
	status            TEXT    NOT NULL,
	winner_team       TEXT,
	payout            TEXT,
	commission        TEXT,
	created_at        TEXT    NOT NULL,
	matched_at        TEXT,
	settled_at        TEXT
);
CREATE INDEX IF NOT EXISTS bet_offers_status_created_idx ON bet_offers (status, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS bet_offers_match_idx ON bet_offers (match_id);
CREATE INDEX IF NOT EXISTS bet_offers_maker_idx ON bet_offers (maker_id);
CREATE INDEX IF NOT EXISTS bet_offers_taker_idx ON bet_offers (taker_id);
`

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteOfferColumns = `id, match_id, sport, maker_id, COALESCE(taker_id, ''), maker_team, taker_team,
	maker_stake, maker_odds, opposite_odds, taker_stake, taker_odds,
	accept_window_sec, status, COALESCE(winner_team, ''), payout, commission,
	created_at, matched_at, settled_at`

// SQLiteStore implements Store on an embedded SQLite database for
// single-node deployments. Writers are serialized through one connection.
type SQLiteStore struct {
	db       *sql.DB
	pageSize int
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, pageSize int) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &SQLiteStore{db: db, pageSize: pageSize}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateOffer(ctx context.Context, o *model.BetOffer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bet_offers (id, match_id, sport, maker_id, taker_id, maker_team, taker_team,
		                         maker_stake, maker_odds, opposite_odds, taker_stake, taker_odds,
		                         accept_window_sec, status, winner_team, payout, commission,
		                         created_at, matched_at, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.MatchID, o.Sport, o.MakerID, nullString(o.TakerID), o.MakerTeam, o.TakerTeam,
		o.MakerStake.String(), o.MakerOdds.String(), o.OppositeOdds.String(),
		encodeNullDecimal(o.TakerStake), encodeNullDecimal(o.TakerOdds),
		o.AcceptWindowSec, string(o.Status), nullString(o.WinnerTeam),
		encodeNullDecimal(o.Payout), encodeNullDecimal(o.Commission),
		formatSQLiteTime(o.CreatedAt), formatNullSQLiteTime(o.MatchedAt), formatNullSQLiteTime(o.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("create offer %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetOffer(ctx context.Context, id string) (*model.BetOffer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOfferColumns+` FROM bet_offers WHERE id = ?`, id)
	o, err := scanSQLiteOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return o, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, expected model.Status, mutate Mutator) (*model.BetOffer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteOfferColumns+` FROM bet_offers WHERE id = ?`, id)
	cur, err := scanSQLiteOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read offer %s: %w", id, err)
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: offer %s is %s, expected %s", ErrConflict, id, cur.Status, expected)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bet_offers
		 SET taker_id = ?, taker_stake = ?, taker_odds = ?, status = ?, winner_team = ?,
		     payout = ?, commission = ?, matched_at = ?, settled_at = ?
		 WHERE id = ? AND status = ?`,
		nullString(next.TakerID), encodeNullDecimal(next.TakerStake), encodeNullDecimal(next.TakerOdds),
		string(next.Status), nullString(next.WinnerTeam),
		encodeNullDecimal(next.Payout), encodeNullDecimal(next.Commission),
		formatNullSQLiteTime(next.MatchedAt), formatNullSQLiteTime(next.SettledAt),
		id, string(expected),
	)
	if err != nil {
		return nil, fmt.Errorf("update offer %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, fmt.Errorf("%w: offer %s", ErrConflict, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition %s: %w", id, err)
	}
	return next, nil
}

func (s *SQLiteStore) ListOffers(ctx context.Context, f Filter) iter.Seq2[model.BetOffer, error] {
	return func(yield func(model.BetOffer, error) bool) {
		afterTime, afterID := "", ""
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
			afterTime, afterID = formatSQLiteTime(last.CreatedAt), last.ID
		}
	}
}

func (s *SQLiteStore) listPage(ctx context.Context, f Filter, afterTime, afterID string) ([]model.BetOffer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteOfferColumns+`
		 FROM bet_offers
		 WHERE (?1 = '' OR status = ?1)
		   AND (?2 = '' OR sport = ?2)
		   AND (?3 = '' OR match_id = ?3)
		   AND (?4 = '' OR (maker_id <> ?4 AND COALESCE(taker_id, '') <> ?4))
		   AND (?5 = '' OR created_at < ?5 OR (created_at = ?5 AND id < ?6))
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?7`,
		string(f.Status), f.Sport, f.MatchID, f.ExcludeParty, afterTime, afterID, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	return collectSQLiteOffers(rows)
}

func (s *SQLiteStore) ListByParty(ctx context.Context, userID string) ([]model.BetOffer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteOfferColumns+`
		 FROM bet_offers WHERE maker_id = ?1 OR taker_id = ?1
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list offers of %s: %w", userID, err)
	}
	defer rows.Close()

	return collectSQLiteOffers(rows)
}

// Ping checks connectivity for health endpoints.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func collectSQLiteOffers(rows *sql.Rows) ([]model.BetOffer, error) {
	var offers []model.BetOffer
	for rows.Next() {
		o, err := scanSQLiteOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func scanSQLiteOffer(row rowScanner) (*model.BetOffer, error) {
	var r offerRow
	var status, createdAt string
	var matchedAt, settledAt *string
	if err := row.Scan(&r.o.ID, &r.o.MatchID, &r.o.Sport, &r.o.MakerID, &r.o.TakerID,
		&r.o.MakerTeam, &r.o.TakerTeam,
		&r.makerStake, &r.makerOdds, &r.oppositeOdds,
		&r.takerStake, &r.takerOdds,
		&r.o.AcceptWindowSec, &status, &r.o.WinnerTeam,
		&r.payout, &r.commission,
		&createdAt, &matchedAt, &settledAt); err != nil {
		return nil, err
	}
	r.o.Status = model.Status(status)

	var err error
	if r.o.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at of %s: %w", r.o.ID, err)
	}
	if r.o.MatchedAt, err = parseNullSQLiteTime(matchedAt); err != nil {
		return nil, fmt.Errorf("decode matched_at of %s: %w", r.o.ID, err)
	}
	if r.o.SettledAt, err = parseNullSQLiteTime(settledAt); err != nil {
		return nil, fmt.Errorf("decode settled_at of %s: %w", r.o.ID, err)
	}
	return r.decode()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullSQLiteTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatSQLiteTime(*t)
	return &s
}

func parseNullSQLiteTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
