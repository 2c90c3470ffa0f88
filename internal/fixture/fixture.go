// Package fixture models the real-world matches bets are placed on and
// the collaborators that report their status. The engine only reads
// fixtures; ingestion of scores and schedules happens elsewhere.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Status is the real-world state of a match.
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Supported sports.
const (
	SportCricket    = "cricket"
	SportFootball   = "football"
	SportBasketball = "basketball"
	SportTennis     = "tennis"
	SportKabaddi    = "kabaddi"
)

var validSports = map[string]bool{
	SportCricket:    true,
	SportFootball:   true,
	SportBasketball: true,
	SportTennis:     true,
	SportKabaddi:    true,
}

var (
	ErrFixtureNotFound = errors.New("fixture: match not found")
	ErrUnknownSport    = errors.New("fixture: unsupported sport")
	ErrUnknownTeam     = errors.New("fixture: team is not playing in this match")
)

// ParseStatus normalizes the status strings used by score feeds.
// Unrecognized values are treated as upcoming.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "in_progress", "inprogress":
		return StatusLive
	case "completed", "finished", "ended":
		return StatusCompleted
	case "abandoned", "cancelled", "canceled", "no_result":
		return StatusAbandoned
	}
	return StatusUpcoming
}

// NormalizeSport lowercases s and checks it is supported.
func NormalizeSport(s string) (string, error) {
	sport := strings.ToLower(strings.TrimSpace(s))
	if !validSports[sport] {
		return "", fmt.Errorf("%w: %q", ErrUnknownSport, s)
	}
	return sport, nil
}

// Fixture is one match between two sides. Listed odds are optional and
// zero when the feed does not publish them.
type Fixture struct {
	ID     string          `json:"id"`
	Sport  string          `json:"sport"`
	TeamA  string          `json:"teamA"`
	TeamB  string          `json:"teamB"`
	Status Status          `json:"status"`
	OddsA  decimal.Decimal `json:"oddsA"`
	OddsB  decimal.Decimal `json:"oddsB"`
}

// Bettable reports whether new offers and accepts are allowed: only
// before the match starts.
func (f *Fixture) Bettable() bool {
	return f.Status == StatusUpcoming
}

// HasTeam reports whether team plays in the match.
func (f *Fixture) HasTeam(team string) bool {
	return team != "" && (team == f.TeamA || team == f.TeamB)
}

// Opponent returns the other side of team.
func (f *Fixture) Opponent(team string) (string, error) {
	switch team {
	case f.TeamA:
		return f.TeamB, nil
	case f.TeamB:
		return f.TeamA, nil
	}
	return "", fmt.Errorf("%w: %q in %s", ErrUnknownTeam, team, f.ID)
}

// OddsFor returns the listed odds for team, or zero.
func (f *Fixture) OddsFor(team string) decimal.Decimal {
	switch team {
	case f.TeamA:
		return f.OddsA
	case f.TeamB:
		return f.OddsB
	}
	return decimal.Zero
}

// Validate checks the fields the engine relies on.
func (f *Fixture) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: empty id", ErrFixtureNotFound)
	}
	if _, err := NormalizeSport(f.Sport); err != nil {
		return err
	}
	if f.TeamA == "" || f.TeamB == "" || f.TeamA == f.TeamB {
		return fmt.Errorf("%w: fixture %s needs two distinct teams", ErrUnknownTeam, f.ID)
	}
	return nil
}

// Source looks up fixtures by match id. Implementations return
// ErrFixtureNotFound for unknown ids.
type Source interface {
	Fixture(ctx context.Context, matchID string) (*Fixture, error)
}
