package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource reads fixtures from the match service at
// GET {BaseURL}/matches/{id}.
type HTTPSource struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPSource creates a client with the given request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// wireFixture accepts the loose shape the match service publishes.
type wireFixture struct {
	Fixture
	Status string `json:"status"`
}

func (s *HTTPSource) Fixture(ctx context.Context, matchID string) (*Fixture, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/matches/"+url.PathEscape(matchID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch fixture %s: %w", matchID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, matchID)
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch fixture %s: http %d", matchID, res.StatusCode)
	}

	var w wireFixture
	if err := json.NewDecoder(res.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("decode fixture %s: %w", matchID, err)
	}
	f := w.Fixture
	f.Status = ParseStatus(w.Status)
	if f.ID == "" {
		f.ID = matchID
	}
	return &f, nil
}
