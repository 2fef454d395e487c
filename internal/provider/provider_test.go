package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ililio1/chesshelper/internal/store"
)

const (
	gameOne = "[Event \"Rated blitz game\"]\n[White \"alice\"]\n[Black \"bob\"]\n\n1. e4 e5 2. Nf3 Nc6 1-0\n"
	gameTwo = "[Event \"Rated rapid game\"]\n[White \"bob\"]\n[Black \"alice\"]\n\n1. d4 d5 0-1\n"
)

func fastConfig(base string) Config {
	return Config{BaseURL: base, Backoff: time.Millisecond, MaxRetries: 2}
}

func TestLichessFetchGames(t *testing.T) {
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(7 * 24 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/games/user/alice", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, fmt.Sprint(since.UnixMilli()), q.Get("since"))
		assert.Equal(t, fmt.Sprint(until.UnixMilli()), q.Get("until"))
		assert.Equal(t, "30", q.Get("max"))
		assert.Equal(t, "false", q.Get("evals"))
		assert.Equal(t, lichessPerfTypes, q.Get("perfType"))
		assert.Equal(t, "application/x-chess-pgn", r.Header.Get("Accept"))
		assert.Equal(t, "chesshelper/1.0", r.Header.Get("User-Agent"))
		// newest first
		fmt.Fprint(w, gameTwo+"\n"+gameOne)
	}))
	defer srv.Close()

	l := NewLichess(fastConfig(srv.URL))
	assert.Equal(t, store.ProviderLichess, l.Name())

	games, err := l.FetchGames(context.Background(), "alice", since, until, 30)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Contains(t, games[0], "Rated blitz game")
	assert.Contains(t, games[1], "Rated rapid game")
}

func TestLichessRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, gameOne)
	}))
	defer srv.Close()

	games, err := NewLichess(fastConfig(srv.URL)).FetchGames(context.Background(), "alice", time.Now().Add(-time.Hour), time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, games, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestLichessUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		calls  int32
	}{
		{"server error exhausts retries", http.StatusBadGateway, 3},
		{"not found fails immediately", http.StatusNotFound, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewLichess(fastConfig(srv.URL)).FetchGames(context.Background(), "ghost", time.Now().Add(-time.Hour), time.Now(), 10)
			require.ErrorIs(t, err, ErrProviderUnavailable)
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestChessComFetchGames(t *testing.T) {
	since := time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)

	archives := map[string]chessComArchive{
		"/pub/player/alice/games/2026/09": {Games: []chessComGame{
			{PGN: "old", EndTime: time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC).Unix(), Rules: "chess"},
			{PGN: gameOne, EndTime: time.Date(2026, 9, 28, 0, 0, 0, 0, time.UTC).Unix(), Rules: "chess"},
			{PGN: "variant", EndTime: time.Date(2026, 9, 29, 0, 0, 0, 0, time.UTC).Unix(), Rules: "chess960"},
		}},
		"/pub/player/alice/games/2026/10": {Games: []chessComGame{
			{PGN: gameTwo, EndTime: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC).Unix(), Rules: "chess"},
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		a, ok := archives[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(a)
	}))
	defer srv.Close()

	c := NewChessCom(fastConfig(srv.URL))
	assert.Equal(t, store.ProviderChessCom, c.Name())

	games, err := c.FetchGames(context.Background(), "Alice", since, until, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{gameOne, gameTwo}, games)

	games, err = c.FetchGames(context.Background(), "alice", since, until, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{gameTwo}, games)
}

func TestChessComBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{not json")
	}))
	defer srv.Close()

	now := time.Now()
	_, err := NewChessCom(fastConfig(srv.URL)).FetchGames(context.Background(), "alice", now.Add(-time.Hour), now, 5)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestArchiveMonths(t *testing.T) {
	months := archiveMonths(
		time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	)
	require.Len(t, months, 3)
	assert.Equal(t, time.December, months[1].Month())
	assert.Equal(t, 2026, months[2].Year())
	assert.Nil(t, archiveMonths(time.Now(), time.Now().Add(-time.Hour)))
}

func TestNewSet(t *testing.T) {
	s := NewSet(NewLichess(Config{}), NewChessCom(Config{}))
	assert.Len(t, s, 2)
	assert.NotNil(t, s[store.ProviderChessCom])
}

func TestRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryWithBackoff(ctx, 5, time.Hour, func() error { return &retryableError{status: 503} })
	assert.ErrorIs(t, err, context.Canceled)
}
