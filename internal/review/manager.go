package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"

	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/store"
)

// Blunders is the part of the persistence gateway the review loop uses.
type Blunders interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	ListUnsolvedBlunders(ctx context.Context, userID int64) ([]store.Blunder, error)
	GetBlunder(ctx context.Context, id uint) (*store.Blunder, error)
	MarkBlunderSolved(ctx context.Context, id uint) error
}

// Assets returns a rendered image of a blunder, rendering it if needed.
type Assets interface {
	Asset(ctx context.Context, b *store.Blunder, key store.AssetKey) ([]byte, error)
}

// Kind tells the front end what a Reply carries.
type Kind string

const (
	KindCard         Kind = "card"         // a blunder to solve
	KindPrompt       Kind = "prompt"       // waiting for a move
	KindCorrect      Kind = "correct"      // attempt accepted, blunder solved
	KindIncorrect    Kind = "incorrect"    // wrong guess, try again
	KindGap          Kind = "gap"          // scored guess too far from the best move
	KindInvalid      Kind = "invalid"      // text is not a legal move
	KindSolution     Kind = "solution"     // best move revealed
	KindContinuation Kind = "continuation" // engine line shown
	KindComplete     Kind = "complete"     // no cards left
	KindClosed       Kind = "closed"       // session discarded
	KindNotReady     Kind = "not_ready"    // best move not computed yet
	KindRetry        Kind = "retry"        // engine failed, the action may be repeated
	KindStale        Kind = "stale"        // session or card no longer available
)

// Card describes the blunder under the cursor.
type Card struct {
	BlunderID  uint           `json:"blunder_id"`
	Index      int            `json:"index"`
	Total      int            `json:"total"`
	FEN        string         `json:"fen"`
	Mover      notation.Color `json:"-"`
	Side       string         `json:"side"`
	MoveNumber int            `json:"move_number"`
	Played     string         `json:"played"`
	PlayedSAN  string         `json:"played_san"`
	White      string         `json:"white"`
	Black      string         `json:"black"`
	Opening    string         `json:"opening,omitempty"`
	Attempts   int            `json:"attempts"`
	Image      []byte         `json:"-"`
}

// Reply is the outcome of one review action.
type Reply struct {
	Kind      Kind     `json:"kind"`
	State     State    `json:"state,omitempty"`
	Card      *Card    `json:"card,omitempty"`
	BlunderID uint     `json:"blunder_id,omitempty"` // set when Image shows a solution or line
	Side      string   `json:"side,omitempty"`       // orientation of Image
	Move      string   `json:"move,omitempty"`       // the user's move, canonical UCI
	BestMove  string   `json:"best_move,omitempty"`
	BestSAN   string   `json:"best_san,omitempty"`
	Line      []string `json:"line,omitempty"` // continuation in SAN
	Gap       int      `json:"gap,omitempty"`  // centipawns lost against the best move
	Attempts  int      `json:"attempts,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Image     []byte   `json:"-"`
	Next      *Reply   `json:"next,omitempty"` // card or completion following a solution
}

// Config configures a Manager.
type Config struct {
	Store     Blunders
	Sessions  SessionStore
	Evaluator engine.Evaluator
	Assets    Assets
	Tolerance int // centipawns a fix may lose against the best move; 0 demands an equal score
	Depth     int
	Logger    zerolog.Logger
}

// Manager runs review sessions. Actions of one user are serialized.
type Manager struct {
	cfg   Config
	log   zerolog.Logger
	locks sync.Map // int64 -> *sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemoryStore(0)
	}
	return &Manager{cfg: cfg, log: cfg.Logger.With().Str("component", "review").Logger()}
}

func (m *Manager) lock(userID int64) func() {
	v, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start snapshots the user's unsolved blunders and presents the first one.
func (m *Manager) Start(ctx context.Context, userID int64) (Reply, error) {
	defer m.lock(userID)()

	user, err := m.cfg.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{Kind: KindComplete}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	list, err := m.cfg.Store.ListUnsolvedBlunders(ctx, userID)
	if err != nil {
		return Reply{}, err
	}

	var ids []uint
	for i := range list {
		if ownBlunder(user, &list[i]) {
			ids = append(ids, list[i].ID)
		}
	}
	if len(ids) == 0 {
		if err := m.cfg.Sessions.Delete(ctx, userID); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindComplete}, nil
	}

	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Blunders:  ids,
		State:     StatePresenting,
		Attempts:  make(map[uint]int),
		StartedAt: time.Now(),
	}
	if err := m.cfg.Sessions.Save(ctx, sess); err != nil {
		return Reply{}, err
	}
	m.log.Debug().Int64("user", userID).Str("session", sess.ID).Int("cards", len(ids)).Msg("review started")
	return m.present(ctx, sess)
}

// ownBlunder reports whether the player who moved at b is one of the
// user's linked handles on the game's provider.
func ownBlunder(user *store.User, b *store.Blunder) bool {
	if b.Game == nil {
		return false
	}
	handle := user.Handle(b.Game.Provider)
	if handle == "" {
		return false
	}
	player := b.Game.White
	if notation.SideToMove(b.FENBefore) == notation.Black {
		player = b.Game.Black
	}
	return player != "" && cases.Fold().String(player) == cases.Fold().String(handle)
}

// RequestAnswer switches to exact-guess mode.
func (m *Manager) RequestAnswer(ctx context.Context, userID int64) (Reply, error) {
	return m.switchState(ctx, userID, StateWaitAnswer)
}

// RequestFix switches to engine-scored mode.
func (m *Manager) RequestFix(ctx context.Context, userID int64) (Reply, error) {
	return m.switchState(ctx, userID, StateWaitFix)
}

func (m *Manager) switchState(ctx context.Context, userID int64, st State) (Reply, error) {
	defer m.lock(userID)()

	sess, err := m.session(ctx, userID)
	if err != nil {
		return stale(err)
	}
	sess.State = st
	if err := m.cfg.Sessions.Save(ctx, sess); err != nil {
		return Reply{}, err
	}
	id, _ := sess.Current()
	return Reply{Kind: KindPrompt, State: st, Attempts: sess.Attempts[id]}, nil
}

// Attempt checks a move typed by the user against the current card.
func (m *Manager) Attempt(ctx context.Context, userID int64, text string) (Reply, error) {
	defer m.lock(userID)()

	sess, b, err := m.current(ctx, userID)
	if err != nil {
		return stale(err)
	}
	if b.BestMove == nil {
		return Reply{Kind: KindNotReady, State: sess.State}, nil
	}

	var guess string
	switch p := notation.ParseInput(b.FENBefore, text).(type) {
	case notation.ParseFailure:
		return Reply{Kind: KindInvalid, State: sess.State, Reason: p.Reason, Attempts: sess.Attempts[b.ID]}, nil
	case notation.ValidMove:
		guess = p.UCI
	}
	best := canonical(b.FENBefore, *b.BestMove)

	if guess == best {
		return m.solved(ctx, sess, b, Reply{Kind: KindCorrect, Move: guess})
	}
	if sess.State != StateWaitFix {
		return m.miss(ctx, sess, b, Reply{Kind: KindIncorrect, Move: guess})
	}

	bestScore, err := m.cfg.Evaluator.ScoreMove(ctx, b.FENBefore, best, m.cfg.Depth)
	if err != nil {
		return m.retry(err)
	}
	guessScore, err := m.cfg.Evaluator.ScoreMove(ctx, b.FENBefore, guess, m.cfg.Depth)
	if errors.Is(err, notation.ErrIllegalMove) {
		return Reply{Kind: KindInvalid, State: sess.State, Reason: "not a legal move in this position", Attempts: sess.Attempts[b.ID]}, nil
	}
	if err != nil {
		return m.retry(err)
	}
	gap := bestScore - guessScore
	if gap <= m.cfg.Tolerance {
		return m.solved(ctx, sess, b, Reply{Kind: KindCorrect, Move: guess, Gap: max(gap, 0)})
	}
	return m.miss(ctx, sess, b, Reply{Kind: KindGap, Move: guess, Gap: gap})
}

func (m *Manager) solved(ctx context.Context, sess *Session, b *store.Blunder, r Reply) (Reply, error) {
	if err := m.cfg.Store.MarkBlunderSolved(ctx, b.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return stale(err)
		}
		return Reply{}, err
	}
	r.State = sess.State
	r.Attempts = sess.Attempts[b.ID]
	r.BestMove = *b.BestMove
	r.BestSAN = sanOf(b.FENBefore, *b.BestMove)
	return r, nil
}

func (m *Manager) miss(ctx context.Context, sess *Session, b *store.Blunder, r Reply) (Reply, error) {
	sess.Attempts[b.ID]++
	if err := m.cfg.Sessions.Save(ctx, sess); err != nil {
		return Reply{}, err
	}
	r.State = sess.State
	r.Attempts = sess.Attempts[b.ID]
	return r, nil
}

func (m *Manager) retry(err error) (Reply, error) {
	if errors.Is(err, engine.ErrEngineUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		m.log.Warn().Err(err).Msg("scoring failed")
		return Reply{Kind: KindRetry, State: StateWaitFix, Reason: err.Error()}, nil
	}
	return Reply{}, err
}

// ShowSolution reveals the best move, marks the blunder solved and moves
// to the next card.
func (m *Manager) ShowSolution(ctx context.Context, userID int64) (Reply, error) {
	defer m.lock(userID)()

	sess, b, err := m.current(ctx, userID)
	if err != nil {
		return stale(err)
	}
	if b.BestMove == nil {
		return Reply{Kind: KindNotReady, State: sess.State}, nil
	}
	r, err := m.solved(ctx, sess, b, Reply{Kind: KindSolution})
	if err != nil || r.Kind != KindSolution {
		return r, err
	}
	r.BlunderID, r.Side = b.ID, notation.SideToMove(b.FENBefore).String()
	r.Image = m.image(ctx, b, store.AssetBest)

	next, err := m.advance(ctx, sess)
	if err != nil {
		return Reply{}, err
	}
	r.Next = &next
	r.State = next.State
	return r, nil
}

// ShowContinuation returns the engine line after the best move. The
// session does not move.
func (m *Manager) ShowContinuation(ctx context.Context, userID int64) (Reply, error) {
	defer m.lock(userID)()

	sess, b, err := m.current(ctx, userID)
	if err != nil {
		return stale(err)
	}
	if b.Continuation == nil {
		return Reply{Kind: KindNotReady, State: sess.State}, nil
	}
	moves := strings.Fields(*b.Continuation)
	line, _ := notation.SANLine(b.FENBefore, moves)
	return Reply{
		Kind:      KindContinuation,
		State:     sess.State,
		BlunderID: b.ID,
		Side:      notation.SideToMove(b.FENBefore).String(),
		Line:      line,
		Image:     m.image(ctx, b, store.AssetLine),
	}, nil
}

// Next moves to the following card, completing the session past the end.
func (m *Manager) Next(ctx context.Context, userID int64) (Reply, error) {
	defer m.lock(userID)()

	sess, err := m.session(ctx, userID)
	if err != nil {
		return stale(err)
	}
	return m.advance(ctx, sess)
}

// Back discards the session. Background work is not affected.
func (m *Manager) Back(ctx context.Context, userID int64) (Reply, error) {
	defer m.lock(userID)()

	if err := m.cfg.Sessions.Delete(ctx, userID); err != nil {
		return Reply{}, err
	}
	return Reply{Kind: KindClosed}, nil
}

// Status returns the current card without changing the session.
func (m *Manager) Status(ctx context.Context, userID int64) (Reply, error) {
	defer m.lock(userID)()

	sess, err := m.session(ctx, userID)
	if err != nil {
		return stale(err)
	}
	return m.present(ctx, sess)
}

func (m *Manager) advance(ctx context.Context, sess *Session) (Reply, error) {
	sess.Cursor++
	if sess.Cursor >= len(sess.Blunders) {
		if err := m.cfg.Sessions.Delete(ctx, sess.UserID); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindComplete}, nil
	}
	sess.State = StatePresenting
	if err := m.cfg.Sessions.Save(ctx, sess); err != nil {
		return Reply{}, err
	}
	return m.present(ctx, sess)
}

func (m *Manager) present(ctx context.Context, sess *Session) (Reply, error) {
	id, err := sess.Current()
	if err != nil {
		return stale(err)
	}
	b, err := m.blunder(ctx, id)
	if err != nil {
		return stale(err)
	}

	mover := notation.SideToMove(b.FENBefore)
	card := &Card{
		BlunderID:  b.ID,
		Index:      sess.Cursor,
		Total:      len(sess.Blunders),
		FEN:        b.FENBefore,
		Mover:      mover,
		Side:       mover.String(),
		MoveNumber: b.Ply/2 + 1,
		Played:     b.PlayedMove,
		PlayedSAN:  sanOf(b.FENBefore, b.PlayedMove),
		Attempts:   sess.Attempts[b.ID],
		Image:      m.image(ctx, b, store.AssetError),
	}
	if b.Game != nil {
		card.White, card.Black, card.Opening = b.Game.White, b.Game.Black, b.Game.Opening
	}
	return Reply{Kind: KindCard, State: sess.State, Card: card}, nil
}

// image fetches kind in the mover's orientation; failures leave it empty.
func (m *Manager) image(ctx context.Context, b *store.Blunder, kind store.AssetKind) []byte {
	if m.cfg.Assets == nil {
		return nil
	}
	o := store.OrientationWhite
	if notation.SideToMove(b.FENBefore) == notation.Black {
		o = store.OrientationBlack
	}
	data, err := m.cfg.Assets.Asset(ctx, b, store.AssetKey{Kind: kind, Orientation: o})
	if err != nil {
		m.log.Debug().Err(err).Uint("blunder", b.ID).Str("kind", string(kind)).Msg("asset unavailable")
		return nil
	}
	return data
}

func (m *Manager) session(ctx context.Context, userID int64) (*Session, error) {
	sess, err := m.cfg.Sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Current(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) current(ctx context.Context, userID int64) (*Session, *store.Blunder, error) {
	sess, err := m.session(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	id, _ := sess.Current()
	b, err := m.blunder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, b, nil
}

func (m *Manager) blunder(ctx context.Context, id uint) (*store.Blunder, error) {
	b, err := m.cfg.Store.GetBlunder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrSessionStale, err)
	}
	return b, err
}

// stale turns ErrSessionStale into a reply; other errors pass through.
func stale(err error) (Reply, error) {
	if errors.Is(err, ErrSessionStale) || errors.Is(err, store.ErrNotFound) {
		return Reply{Kind: KindStale, Reason: ErrSessionStale.Error()}, nil
	}
	return Reply{}, err
}

func canonical(fen, uci string) string {
	if c, err := notation.Canonical(fen, uci); err == nil {
		return c
	}
	return uci
}

func sanOf(fen, uci string) string {
	line, err := notation.SANLine(fen, []string{uci})
	if err != nil || len(line) == 0 {
		return uci
	}
	return line[0]
}
