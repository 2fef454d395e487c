package review

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/store"
)

const (
	startFEN    = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	afterE4FEN  = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	aliceHandle = "alice"
)

type memBlunders struct {
	mu       sync.Mutex
	user     *store.User
	blunders map[uint]*store.Blunder
	order    []uint
}

func (m *memBlunders) GetUser(_ context.Context, id int64) (*store.User, error) {
	if m.user == nil || m.user.ID != id {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return m.user, nil
}

func (m *memBlunders) ListUnsolvedBlunders(context.Context, int64) ([]store.Blunder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Blunder
	for _, id := range m.order {
		if b, ok := m.blunders[id]; ok && !b.Solved {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memBlunders) GetBlunder(_ context.Context, id uint) (*store.Blunder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blunders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBlunders) MarkBlunderSolved(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blunders[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Solved = true
	return nil
}

func (m *memBlunders) add(b store.Blunder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blunders[b.ID] = &b
	m.order = append(m.order, b.ID)
}

func (m *memBlunders) solved(id uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blunders[id].Solved
}

// scoreEvaluator replays the move like the engine pool does, then looks the
// score up by move.
type scoreEvaluator struct {
	scores map[string]int
	err    error
	calls  int
}

func (e *scoreEvaluator) Evaluate(context.Context, string, int) (int, error) { return 0, nil }
func (e *scoreEvaluator) BestMove(context.Context, string) (string, error) {
	return "", engine.ErrNoMove
}

func (e *scoreEvaluator) ScoreMove(_ context.Context, fen string, move string, _ int) (int, error) {
	e.calls++
	if e.err != nil {
		return 0, e.err
	}
	if _, err := notation.FENAfter(fen, move); err != nil {
		return 0, err
	}
	return e.scores[move], nil
}

type stubAssets struct{}

func (stubAssets) Asset(_ context.Context, b *store.Blunder, key store.AssetKey) ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%s", b.ID, key)), nil
}

func ptr(s string) *string { return &s }

func whiteBlunder(id uint, white string) store.Blunder {
	return store.Blunder{
		ID: id, Ply: 0, FENBefore: startFEN, PlayedMove: "f2f3",
		BestMove: ptr("e2e4"), Continuation: ptr("e2e4 e7e5 g1f3"),
		Game: &store.Game{Provider: store.ProviderLichess, White: white, Black: "bob"},
	}
}

func blackBlunder(id uint, black string) store.Blunder {
	return store.Blunder{
		ID: id, Ply: 1, FENBefore: afterE4FEN, PlayedMove: "f7f6",
		BestMove: ptr("e7e5"), Continuation: ptr("e7e5"),
		Game: &store.Game{Provider: store.ProviderLichess, White: "bob", Black: black},
	}
}

type ManagerSuite struct {
	suite.Suite
	ctx   context.Context
	data  *memBlunders
	eval  *scoreEvaluator
	mgr   *Manager
	store *MemoryStore
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.data = &memBlunders{
		user: &store.User{ID: 1, Accounts: []store.Account{
			{UserID: 1, Provider: store.ProviderLichess, Handle: aliceHandle},
		}},
		blunders: map[uint]*store.Blunder{},
	}
	s.eval = &scoreEvaluator{scores: map[string]int{}}
	s.store = NewMemoryStore(0)
	s.mgr = NewManager(Config{
		Store:     s.data,
		Sessions:  s.store,
		Evaluator: s.eval,
		Assets:    stubAssets{},
		Tolerance: 50,
		Logger:    zerolog.Nop(),
	})
}

func (s *ManagerSuite) start() Reply {
	r, err := s.mgr.Start(s.ctx, 1)
	s.Require().NoError(err)
	return r
}

func (s *ManagerSuite) TestStartFiltersByMover() {
	s.data.add(whiteBlunder(1, "bob"))    // opponent moved
	s.data.add(blackBlunder(2, "ALICE"))  // ours, case-insensitive
	other := whiteBlunder(3, aliceHandle) // provider without a linked handle
	other.Game.Provider = store.ProviderChessCom
	s.data.add(other)
	s.data.add(whiteBlunder(4, "Alice"))

	r := s.start()
	s.Equal(KindCard, r.Kind)
	s.Equal(StatePresenting, r.State)
	s.Require().NotNil(r.Card)
	s.EqualValues(2, r.Card.BlunderID)
	s.Equal(2, r.Card.Total)
	s.Equal("black", r.Card.Side)
	s.Equal("f6", r.Card.PlayedSAN)
	s.Equal(1, r.Card.MoveNumber)
	s.Equal("2:error-black", string(r.Card.Image))

	sess, err := s.store.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal([]uint{2, 4}, sess.Blunders)
}

func (s *ManagerSuite) TestStartWithoutBlunders() {
	s.data.add(whiteBlunder(1, "bob"))
	s.Equal(KindComplete, s.start().Kind)

	s.data.user = nil
	s.Equal(KindComplete, s.start().Kind)
}

func (s *ManagerSuite) TestNextReachesCompleteFromEveryState() {
	for _, st := range []State{StatePresenting, StateWaitAnswer, StateWaitFix} {
		s.SetupTest()
		for i := uint(1); i <= 3; i++ {
			s.data.add(whiteBlunder(i, aliceHandle))
		}
		s.start()
		switch st {
		case StateWaitAnswer:
			_, err := s.mgr.RequestAnswer(s.ctx, 1)
			s.Require().NoError(err)
		case StateWaitFix:
			_, err := s.mgr.RequestFix(s.ctx, 1)
			s.Require().NoError(err)
		}

		var last Reply
		for i := 0; i < 3; i++ {
			r, err := s.mgr.Next(s.ctx, 1)
			s.Require().NoError(err)
			last = r
			if i < 2 {
				s.Equal(KindCard, r.Kind, "state %s step %d", st, i)
			}
		}
		s.Equal(KindComplete, last.Kind, "state %s", st)

		r, err := s.mgr.Next(s.ctx, 1)
		s.Require().NoError(err)
		s.Equal(KindStale, r.Kind)
	}
}

func (s *ManagerSuite) TestExactAttempt() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.start()

	r, err := s.mgr.Attempt(s.ctx, 1, "Nf3")
	s.Require().NoError(err)
	s.Equal(KindIncorrect, r.Kind)
	s.Equal(1, r.Attempts)
	s.Equal("g1f3", r.Move)

	r, err = s.mgr.Attempt(s.ctx, 1, "banana")
	s.Require().NoError(err)
	s.Equal(KindInvalid, r.Kind)
	s.Equal(1, r.Attempts)

	r, err = s.mgr.Attempt(s.ctx, 1, "d2d4")
	s.Require().NoError(err)
	s.Equal(2, r.Attempts)
	s.False(s.data.solved(1))

	r, err = s.mgr.Attempt(s.ctx, 1, "e4")
	s.Require().NoError(err)
	s.Equal(KindCorrect, r.Kind)
	s.Equal("e4", r.BestSAN)
	s.True(s.data.solved(1))
}

func (s *ManagerSuite) TestFixToleranceBoundary() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.eval.scores = map[string]int{"e2e4": 100, "d2d4": 50, "g1f3": 49}
	s.start()
	_, err := s.mgr.RequestFix(s.ctx, 1)
	s.Require().NoError(err)

	r, err := s.mgr.Attempt(s.ctx, 1, "Nf3")
	s.Require().NoError(err)
	s.Equal(KindGap, r.Kind)
	s.Equal(51, r.Gap)
	s.Equal(StateWaitFix, r.State)
	s.False(s.data.solved(1))

	r, err = s.mgr.Attempt(s.ctx, 1, "d4")
	s.Require().NoError(err)
	s.Equal(KindCorrect, r.Kind)
	s.Equal(50, r.Gap)
	s.True(s.data.solved(1))
}

func (s *ManagerSuite) TestZeroTolerance() {
	s.mgr = NewManager(Config{
		Store:     s.data,
		Sessions:  s.store,
		Evaluator: s.eval,
		Tolerance: 0,
		Logger:    zerolog.Nop(),
	})
	s.data.add(whiteBlunder(1, aliceHandle))
	s.eval.scores = map[string]int{"e2e4": 100, "d2d4": 99, "c2c4": 100}
	s.start()
	_, err := s.mgr.RequestFix(s.ctx, 1)
	s.Require().NoError(err)

	r, err := s.mgr.Attempt(s.ctx, 1, "d4")
	s.Require().NoError(err)
	s.Equal(KindGap, r.Kind)
	s.Equal(1, r.Gap)

	r, err = s.mgr.Attempt(s.ctx, 1, "c4")
	s.Require().NoError(err)
	s.Equal(KindCorrect, r.Kind)
	s.Zero(r.Gap)
}

func (s *ManagerSuite) TestIllegalMoveIsInvalid() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.start()

	for _, mode := range []func(context.Context, int64) (Reply, error){s.mgr.RequestAnswer, s.mgr.RequestFix} {
		prompt, err := mode(s.ctx, 1)
		s.Require().NoError(err)
		for _, text := range []string{"Ke2", "e1e2", "O-O"} {
			r, err := s.mgr.Attempt(s.ctx, 1, text)
			s.Require().NoError(err, "%s in %s", text, prompt.State)
			s.Equal(KindInvalid, r.Kind, "%s in %s", text, prompt.State)
			s.Equal(prompt.State, r.State)
			s.Zero(r.Attempts)
		}
	}
	s.Zero(s.eval.calls)

	sess, err := s.store.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Zero(sess.Attempts[1])
	s.False(s.data.solved(1))
}

func (s *ManagerSuite) TestFixExactMatchSkipsEngine() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.eval.err = engine.ErrEngineUnavailable
	s.start()
	_, err := s.mgr.RequestFix(s.ctx, 1)
	s.Require().NoError(err)

	r, err := s.mgr.Attempt(s.ctx, 1, "e2e4")
	s.Require().NoError(err)
	s.Equal(KindCorrect, r.Kind)
}

func (s *ManagerSuite) TestFixEngineFailureIsRetryable() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.eval.err = fmt.Errorf("search: %w", engine.ErrEngineUnavailable)
	s.start()
	_, err := s.mgr.RequestFix(s.ctx, 1)
	s.Require().NoError(err)

	r, err := s.mgr.Attempt(s.ctx, 1, "d4")
	s.Require().NoError(err)
	s.Equal(KindRetry, r.Kind)

	sess, err := s.store.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StateWaitFix, sess.State)
	s.Zero(sess.Attempts[1])
}

func (s *ManagerSuite) TestNotReady() {
	b := whiteBlunder(1, aliceHandle)
	b.BestMove, b.Continuation = nil, nil
	s.data.add(b)
	s.start()

	for _, fn := range []func(context.Context, int64) (Reply, error){s.mgr.ShowSolution, s.mgr.ShowContinuation} {
		r, err := fn(s.ctx, 1)
		s.Require().NoError(err)
		s.Equal(KindNotReady, r.Kind)
	}
	r, err := s.mgr.Attempt(s.ctx, 1, "e4")
	s.Require().NoError(err)
	s.Equal(KindNotReady, r.Kind)
}

func (s *ManagerSuite) TestShowSolutionAdvances() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.data.add(blackBlunder(2, aliceHandle))
	s.start()

	r, err := s.mgr.ShowSolution(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(KindSolution, r.Kind)
	s.Equal("e2e4", r.BestMove)
	s.Equal("1:best-white", string(r.Image))
	s.EqualValues(1, r.BlunderID)
	s.Equal("white", r.Side)
	s.True(s.data.solved(1))
	s.Require().NotNil(r.Next)
	s.Equal(KindCard, r.Next.Kind)
	s.EqualValues(2, r.Next.Card.BlunderID)

	r, err = s.mgr.ShowSolution(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(KindComplete, r.Next.Kind)

	_, err = s.store.Get(s.ctx, 1)
	s.ErrorIs(err, ErrSessionStale)
}

func (s *ManagerSuite) TestShowContinuationKeepsPosition() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.start()
	_, err := s.mgr.RequestAnswer(s.ctx, 1)
	s.Require().NoError(err)

	r, err := s.mgr.ShowContinuation(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(KindContinuation, r.Kind)
	s.Equal([]string{"e4", "e5", "Nf3"}, r.Line)
	s.EqualValues(1, r.BlunderID)
	s.Equal("white", r.Side)
	s.Equal("1:line-white", string(r.Image))
	s.Equal(StateWaitAnswer, r.State)
	s.False(s.data.solved(1))

	r, err = s.mgr.Status(s.ctx, 1)
	s.Require().NoError(err)
	s.EqualValues(1, r.Card.BlunderID)
}

func (s *ManagerSuite) TestBackDiscardsSession() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.start()

	r, err := s.mgr.Back(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(KindClosed, r.Kind)

	r, err = s.mgr.Attempt(s.ctx, 1, "e4")
	s.Require().NoError(err)
	s.Equal(KindStale, r.Kind)
}

func (s *ManagerSuite) TestVanishedBlunderIsStale() {
	s.data.add(whiteBlunder(1, aliceHandle))
	s.start()
	s.data.mu.Lock()
	delete(s.data.blunders, 1)
	s.data.mu.Unlock()

	r, err := s.mgr.Attempt(s.ctx, 1, "e4")
	s.Require().NoError(err)
	s.Equal(KindStale, r.Kind)
}

func (s *ManagerSuite) TestConcurrentActionsAreSerialized() {
	for i := uint(1); i <= 20; i++ {
		s.data.add(whiteBlunder(i, aliceHandle))
	}
	s.start()

	var wg sync.WaitGroup
	for i := 0; i < 19; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.mgr.Next(s.ctx, 1)
			s.NoError(err)
		}()
	}
	wg.Wait()

	sess, err := s.store.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(19, sess.Cursor)
}
