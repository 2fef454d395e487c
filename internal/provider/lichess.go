package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/store"
)

// lichessPerfTypes excludes variants and bullet.
const lichessPerfTypes = "blitz,rapid,classical,correspondence,standard"

// Lichess exports games from lichess.org.
type Lichess struct {
	cfg Config
}

// NewLichess creates a lichess client.
func NewLichess(cfg Config) *Lichess {
	cfg.setDefaults("https://lichess.org")
	return &Lichess{cfg: cfg}
}

func (l *Lichess) Name() store.Provider { return store.ProviderLichess }

// FetchGames streams the PGN export of handle.
func (l *Lichess) FetchGames(ctx context.Context, handle string, since, until time.Time, max int) ([]string, error) {
	q := url.Values{}
	q.Set("tags", "true")
	q.Set("clocks", "false")
	q.Set("evals", "false")
	q.Set("opening", "false")
	q.Set("perfType", lichessPerfTypes)
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("until", strconv.FormatInt(until.UnixMilli(), 10))
	if max > 0 {
		q.Set("max", strconv.Itoa(max))
	}
	u := fmt.Sprintf("%s/api/games/user/%s?%s", l.cfg.BaseURL, url.PathEscape(handle), q.Encode())

	body, err := get(ctx, l.cfg, u, "application/x-chess-pgn")
	if err != nil {
		return nil, fmt.Errorf("lichess %s: %w", handle, err)
	}
	games := notation.SplitGames(string(body))

	// The export is newest first.
	for i, j := 0, len(games)-1; i < j; i, j = i+1, j-1 {
		games[i], games[j] = games[j], games[i]
	}
	l.cfg.Logger.Debug().Str("provider", "lichess").Str("handle", handle).Int("games", len(games)).Msg("fetched")
	return games, nil
}
