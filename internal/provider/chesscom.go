package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ililio1/chesshelper/internal/store"
)

// ChessCom reads the monthly game archives of chess.com.
type ChessCom struct {
	cfg Config
}

// NewChessCom creates a chess.com client.
func NewChessCom(cfg Config) *ChessCom {
	cfg.setDefaults("https://api.chess.com")
	return &ChessCom{cfg: cfg}
}

func (c *ChessCom) Name() store.Provider { return store.ProviderChessCom }

type chessComArchive struct {
	Games []chessComGame `json:"games"`
}

type chessComGame struct {
	URL     string `json:"url"`
	PGN     string `json:"pgn"`
	EndTime int64  `json:"end_time"`
	Rules   string `json:"rules"`
}

// FetchGames reads every monthly archive overlapping [since, until].
func (c *ChessCom) FetchGames(ctx context.Context, handle string, since, until time.Time, max int) ([]string, error) {
	var all []chessComGame
	for _, month := range archiveMonths(since, until) {
		u := fmt.Sprintf("%s/pub/player/%s/games/%04d/%02d",
			c.cfg.BaseURL, url.PathEscape(strings.ToLower(handle)), month.Year(), int(month.Month()))
		body, err := get(ctx, c.cfg, u, "application/json")
		if err != nil {
			return nil, fmt.Errorf("chess.com %s %s: %w", handle, month.Format("2006-01"), err)
		}
		var archive chessComArchive
		if err := json.Unmarshal(body, &archive); err != nil {
			return nil, fmt.Errorf("chess.com %s: %w: decode archive: %v", handle, ErrProviderUnavailable, err)
		}
		all = append(all, archive.Games...)
	}

	var games []chessComGame
	for _, g := range all {
		if g.PGN == "" || (g.Rules != "" && g.Rules != "chess") {
			continue
		}
		end := time.Unix(g.EndTime, 0)
		if end.Before(since) || end.After(until) {
			continue
		}
		games = append(games, g)
	}
	sort.SliceStable(games, func(i, j int) bool { return games[i].EndTime < games[j].EndTime })
	if max > 0 && len(games) > max {
		games = games[len(games)-max:]
	}

	out := make([]string, len(games))
	for i, g := range games {
		out[i] = g.PGN
	}
	c.cfg.Logger.Debug().Str("provider", "chesscom").Str("handle", handle).Int("games", len(out)).Msg("fetched")
	return out, nil
}

// archiveMonths lists the first day of each UTC month from since to until.
func archiveMonths(since, until time.Time) []time.Time {
	since, until = since.UTC(), until.UTC()
	if until.Before(since) {
		return nil
	}
	var months []time.Time
	m := time.Date(since.Year(), since.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(until.Year(), until.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !m.After(last) {
		months = append(months, m)
		m = m.AddDate(0, 1, 0)
	}
	return months
}
