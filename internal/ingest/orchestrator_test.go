package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/ililio1/chesshelper/internal/eco"
	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/provider"
	"github.com/ililio1/chesshelper/internal/store"
)

// Black's 3...Nf6 (ply 5) allows mate in one.
const qh5Game = `[Event "Rated Blitz game"]
[White "Alice"]
[Black "bob"]
[Result "1-0"]

1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7# 1-0
`

const quietGame = `[Event "Rated Rapid game"]
[White "carol"]
[Black "alice"]
[Result "1/2-1/2"]

1. d4 d5 2. c4 e6 1/2-1/2
`

type fakeProvider struct {
	name  store.Provider
	games []string
	err   error

	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) Name() store.Provider { return p.name }

func (p *fakeProvider) FetchGames(_ context.Context, _ string, since, until time.Time, max int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if until.Sub(since) != 7*24*time.Hour || max != 30 {
		return nil, fmt.Errorf("unexpected window %v max %d", until.Sub(since), max)
	}
	return p.games, nil
}

// tableEvaluator scores positions from a FEN table, 0 otherwise.
type tableEvaluator struct {
	mu     sync.Mutex
	scores map[string]int
	fail   bool
	calls  int
}

func (e *tableEvaluator) Evaluate(_ context.Context, fen string, _ int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail {
		return 0, engine.ErrEngineUnavailable
	}
	return e.scores[fen], nil
}

func (e *tableEvaluator) BestMove(context.Context, string) (string, error) {
	return "", engine.ErrNoMove
}

func (e *tableEvaluator) ScoreMove(context.Context, string, string, int) (int, error) { return 0, nil }

type fakeAnalyzer struct {
	mu       sync.Mutex
	analyzed []uint
	enqueued []uint
	err      error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, b *store.Blunder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyzed = append(a.analyzed, b.ID)
	return a.err
}

func (a *fakeAnalyzer) Enqueue(id uint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enqueued = append(a.enqueued, id)
	return true
}

type IngestSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.Store
	lichess  *fakeProvider
	chesscom *fakeProvider
	eval     *tableEvaluator
	assets   *fakeAnalyzer
	orch     *Orchestrator
}

func TestIngestSuite(t *testing.T) {
	suite.Run(t, new(IngestSuite))
}

func (s *IngestSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		Logger: zerolog.Nop(),
	})
	s.Require().NoError(err)
	s.store = st

	g, err := notation.ParseGame(qh5Game)
	s.Require().NoError(err)
	pos := g.Positions()
	s.eval = &tableEvaluator{scores: map[string]int{
		pos[6]: 800,
		pos[7]: -engine.MateScore,
	}}
	s.lichess = &fakeProvider{name: store.ProviderLichess, games: []string{qh5Game, "1. e4 Ke3 *"}}
	s.chesscom = &fakeProvider{name: store.ProviderChessCom, games: []string{quietGame}}
	s.assets = &fakeAnalyzer{}

	openings, err := eco.Default("")
	s.Require().NoError(err)
	s.orch = New(Config{
		Store:     st,
		Providers: provider.NewSet(s.lichess, s.chesscom),
		Evaluator: s.eval,
		Assets:    s.assets,
		Openings:  openings,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) },
	})

	_, err = st.UpsertUser(s.ctx, 1)
	s.Require().NoError(err)
	_, err = st.LinkAccount(s.ctx, 1, store.ProviderLichess, "alice")
	s.Require().NoError(err)
	_, err = st.LinkAccount(s.ctx, 1, store.ProviderChessCom, "alice")
	s.Require().NoError(err)
}

func (s *IngestSuite) TearDownTest() {
	_ = s.store.Close()
}

func (s *IngestSuite) TestSyncDetectsAndAnalyzes() {
	sum, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(3, sum.Fetched)
	s.Equal(2, sum.Inserted)
	s.Equal(1, sum.Malformed)
	s.Equal(2, sum.Analyzed)
	s.Equal(1, sum.Blunders)
	s.Zero(sum.Failed)

	list, err := s.store.ListUnsolvedBlunders(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	b := list[0]
	s.Equal(5, b.Ply)
	s.Equal("g8f6", b.PlayedMove)
	s.Equal(notation.Black, notation.SideToMove(b.FENBefore))
	s.Equal("C20 King's Pawn Game", b.Game.Opening)
	s.Equal([]uint{b.ID}, s.assets.analyzed)
}

func (s *IngestSuite) TestSyncIsIdempotent() {
	_, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	calls := s.eval.calls

	sum, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Zero(sum.Inserted)
	s.Equal(2, sum.Skipped)
	s.Equal(calls, s.eval.calls, "known games are not re-evaluated")

	counts, err := s.store.CountBlunders(s.ctx, 1)
	s.Require().NoError(err)
	s.EqualValues(2, counts.Games)
	s.EqualValues(1, counts.Blunders)
}

func (s *IngestSuite) TestProviderFailureIsIsolated() {
	s.lichess.err = fmt.Errorf("lichess: %w", provider.ErrProviderUnavailable)

	sum, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal([]string{"lichess"}, sum.ProviderErrors)
	s.Equal(1, sum.Inserted)
	s.Equal(1, s.chesscom.calls)
}

func (s *IngestSuite) TestEngineFailureReleasesGames() {
	s.eval.fail = true

	sum, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(2, sum.Failed)
	s.Zero(sum.Blunders)

	counts, err := s.store.CountBlunders(s.ctx, 1)
	s.Require().NoError(err)
	s.Zero(counts.Games)
	s.Zero(counts.Blunders)

	s.eval.fail = false
	sum, err = s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(2, sum.Inserted)
	s.Equal(1, sum.Blunders)
}

func (s *IngestSuite) TestIllegalRecordsAreMalformed() {
	s.lichess.games = []string{
		"[White \"alice\"]\n[Black \"bob\"]\n\n1. Ke2 e5 *\n",
		"[White \"alice\"]\n[Black \"bob\"]\n\n1. O-O e5 *\n",
	}
	s.chesscom.games = nil

	sum, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(2, sum.Fetched)
	s.Equal(2, sum.Malformed)
	s.Zero(sum.Inserted)
	s.Zero(s.eval.calls)

	counts, err := s.store.CountBlunders(s.ctx, 1)
	s.Require().NoError(err)
	s.Zero(counts.Games)
}

func (s *IngestSuite) TestUnknownUser() {
	_, err := s.orch.SyncUser(s.ctx, 99)
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *IngestSuite) TestResume() {
	s.assets.err = errors.New("engine busy")
	_, err := s.orch.SyncUser(s.ctx, 1)
	s.Require().NoError(err)

	list, err := s.store.ListUnsolvedBlunders(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	id := list[0].ID

	s.assets.err = nil
	n, err := s.orch.Resume(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]uint{id, id}, s.assets.analyzed)
	s.Empty(s.assets.enqueued)

	best, pending := "e2e4", store.AssetsPending
	s.Require().NoError(s.store.MergeUpdateBlunderAssets(s.ctx, id, store.BlunderAssets{BestMove: &best, State: &pending}))
	_, err = s.orch.Resume(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal([]uint{id}, s.assets.enqueued)
}

func (s *IngestSuite) TestSweeperRunOnce() {
	_, err := s.store.UpsertUser(s.ctx, 2)
	s.Require().NoError(err)

	sw := NewSweeper(s.orch, 0, zerolog.Nop())
	res := sw.RunOnce(s.ctx)
	s.Equal(2, res.Users)
	s.Zero(res.Failed)
	s.Equal(2, res.Summary.Inserted)
}

func (s *IngestSuite) TestSweeperStartStop() {
	sw := NewSweeper(s.orch, time.Hour, zerolog.Nop())
	s.Require().NoError(sw.Start(true))
	s.Eventually(func() bool {
		s.lichess.mu.Lock()
		defer s.lichess.mu.Unlock()
		return s.lichess.calls > 0
	}, 5*time.Second, 10*time.Millisecond)
	s.NoError(sw.Stop())
	s.NoError(sw.Stop())
}

func (s *IngestSuite) TestFileImport() {
	path := filepath.Join(s.T().TempDir(), "games.pgn")
	s.Require().NoError(os.WriteFile(path, []byte(qh5Game+"\n"+quietGame), 0o644))

	imp, err := NewFileImporter(FileConfig{UserID: 3, Provider: store.ProviderLichess, Logger: zerolog.Nop()}, s.orch)
	s.Require().NoError(err)
	sum, err := imp.ImportFile(s.ctx, path)
	s.Require().NoError(err)
	s.Equal(2, sum.Fetched)
	s.Equal(2, sum.Inserted)
	s.Equal(1, sum.Blunders)

	_, err = imp.ImportFile(s.ctx, filepath.Join(s.T().TempDir(), "games.txt"))
	s.Error(err)

	_, err = NewFileImporter(FileConfig{Provider: "fics"}, s.orch)
	s.Error(err)
}

func TestIsPGNFile(t *testing.T) {
	cases := map[string]bool{
		"a.pgn":     true,
		"a.pgn.zst": true,
		"a.zst":     false,
		"a.txt":     false,
	}
	for name, want := range cases {
		if got := IsPGNFile(name); got != want {
			t.Errorf("IsPGNFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestParseRating(t *testing.T) {
	for in, want := range map[string]int{"": 0, "?": 0, "-": 0, "2150": 2150, "x": 0} {
		if got := parseRating(in); got != want {
			t.Errorf("parseRating(%q) = %d, want %d", in, got, want)
		}
	}
}
