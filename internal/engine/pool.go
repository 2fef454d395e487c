// Package engine wraps a bounded pool of UCI engine processes behind a
// position-evaluation interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/freeeve/pgn/v3"
	"github.com/freeeve/uci"
	"github.com/rs/zerolog"

	"github.com/ililio1/chesshelper/internal/notation"
)

// MateScore is the saturated score of a forced mate. Mate in N is reported
// as MateScore-N for the mating side.
const MateScore = 100000

var (
	// ErrEngineUnavailable covers process start failures, timeouts and
	// protocol errors.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrNoMove is returned when the engine has no move to offer.
	ErrNoMove = errors.New("engine returned no move")
)

// Evaluator scores positions and proposes moves. Scores are centipawns from
// the perspective of the side to move.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string, depth int) (int, error)
	BestMove(ctx context.Context, fen string) (string, error)
	ScoreMove(ctx context.Context, fen, move string, depth int) (int, error)
}

// PoolConfig configures the engine pool.
type PoolConfig struct {
	StockfishPath string
	Logger        zerolog.Logger
	Depth         int           // default search depth
	HashMB        int           // hash table size per engine
	Threads       int           // threads per engine
	NumEngines    int           // concurrent engine processes
	Timeout       time.Duration // per search
}

// Pool manages a fixed number of engine slots. Engines are started lazily
// and replaced after any failure.
type Pool struct {
	cfg   PoolConfig
	log   zerolog.Logger
	slots chan *slot
	start func() (session, error)

	// Stats
	searches int64
	failures int64
	restarts int64
}

type slot struct {
	id   int
	sess session
}

// NewPool creates a pool. No engine process is started until first use.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.StockfishPath == "" {
		return nil, fmt.Errorf("stockfish path required")
	}
	p := newPool(cfg, nil)
	p.start = p.startUCI
	return p, nil
}

func newPool(cfg PoolConfig, start func() (session, error)) *Pool {
	if cfg.Depth == 0 {
		cfg.Depth = 15
	}
	if cfg.HashMB == 0 {
		cfg.HashMB = 64
	}
	if cfg.Threads == 0 {
		cfg.Threads = 1
	}
	if cfg.NumEngines == 0 {
		cfg.NumEngines = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	p := &Pool{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "engine").Logger(),
		slots: make(chan *slot, cfg.NumEngines),
		start: start,
	}
	for i := 0; i < cfg.NumEngines; i++ {
		p.slots <- &slot{id: i}
	}
	return p
}

// Depth returns the default search depth.
func (p *Pool) Depth() int {
	return p.cfg.Depth
}

// Evaluate scores fen from the side to move. Checkmated positions score
// -MateScore and stalemates 0 without consulting the engine.
func (p *Pool) Evaluate(ctx context.Context, fen string, depth int) (int, error) {
	if score, terminal, err := terminalScore(fen); err != nil {
		return 0, err
	} else if terminal {
		return score, nil
	}
	res, err := p.search(ctx, fen, p.depthOr(depth))
	if err != nil {
		return 0, err
	}
	return res.centipawns(), nil
}

// BestMove returns the engine's preferred move in UCI form.
func (p *Pool) BestMove(ctx context.Context, fen string) (string, error) {
	if _, terminal, err := terminalScore(fen); err != nil {
		return "", err
	} else if terminal {
		return "", ErrNoMove
	}
	res, err := p.search(ctx, fen, p.cfg.Depth)
	if err != nil {
		return "", err
	}
	move := res.bestMove
	if move == "" || move == "(none)" {
		return "", ErrNoMove
	}
	canonical, err := notation.Canonical(fen, move)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoMove, move, err)
	}
	return canonical, nil
}

// ScoreMove scores the position after move, from the mover's perspective.
func (p *Pool) ScoreMove(ctx context.Context, fen, move string, depth int) (int, error) {
	after, err := notation.FENAfter(fen, move)
	if err != nil {
		return 0, err
	}
	score, err := p.Evaluate(ctx, after, depth)
	if err != nil {
		return 0, err
	}
	return -score, nil
}

// Close stops every engine process, waiting for in-flight searches.
func (p *Pool) Close() {
	for i := 0; i < p.cfg.NumEngines; i++ {
		s := <-p.slots
		if s.sess != nil {
			s.sess.close()
			s.sess = nil
		}
	}
	p.log.Info().
		Int64("searches", atomic.LoadInt64(&p.searches)).
		Int64("failures", atomic.LoadInt64(&p.failures)).
		Msg("engine pool stopped")
}

// PoolStats holds pool counters.
type PoolStats struct {
	Searches int64 `json:"searches"`
	Failures int64 `json:"failures"`
	Restarts int64 `json:"restarts"`
	Idle     int   `json:"idle"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Searches: atomic.LoadInt64(&p.searches),
		Failures: atomic.LoadInt64(&p.failures),
		Restarts: atomic.LoadInt64(&p.restarts),
		Idle:     len(p.slots),
	}
}

func (p *Pool) depthOr(depth int) int {
	if depth <= 0 {
		return p.cfg.Depth
	}
	return depth
}

// search runs one engine search on a free slot. The slot's engine is
// discarded if the search fails, times out or ctx ends first.
func (p *Pool) search(ctx context.Context, fen string, depth int) (searchResult, error) {
	var s *slot
	select {
	case s = <-p.slots:
	case <-ctx.Done():
		return searchResult{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, ctx.Err())
	}
	defer func() { p.slots <- s }()

	log := p.log.With().Int("slot", s.id).Logger()

	if s.sess == nil {
		sess, err := p.start()
		if err != nil {
			atomic.AddInt64(&p.failures, 1)
			return searchResult{}, fmt.Errorf("%w: start: %w", ErrEngineUnavailable, err)
		}
		s.sess = sess
		atomic.AddInt64(&p.restarts, 1)
		log.Debug().Msg("engine started")
	}

	type outcome struct {
		res searchResult
		err error
	}
	done := make(chan outcome, 1)
	sess := s.sess
	go func() {
		res, err := sess.search(fen, depth)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			p.discard(s, log)
			return searchResult{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, o.err)
		}
		atomic.AddInt64(&p.searches, 1)
		log.Debug().Str("fen", fen).Int("depth", depth).Int("score", o.res.score).Bool("mate", o.res.mate).Msg("searched")
		return o.res, nil
	case <-timer.C:
		p.discard(s, log)
		return searchResult{}, fmt.Errorf("%w: search timed out after %s", ErrEngineUnavailable, p.cfg.Timeout)
	case <-ctx.Done():
		p.discard(s, log)
		return searchResult{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, ctx.Err())
	}
}

func (p *Pool) discard(s *slot, log zerolog.Logger) {
	atomic.AddInt64(&p.failures, 1)
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	log.Warn().Msg("engine discarded")
}

// terminalScore scores positions with no legal moves.
func terminalScore(fen string) (int, bool, error) {
	pos, err := notation.Position(fen)
	if err != nil {
		return 0, false, err
	}
	if len(pgn.GenerateLegalMoves(pos)) > 0 {
		return 0, false, nil
	}
	if pos.IsInCheck() {
		return -MateScore, true, nil
	}
	return 0, true, nil
}

// searchResult is the deepest line reported by one search.
type searchResult struct {
	score    int
	mate     bool
	bestMove string
	pv       []string
}

// centipawns collapses mate distances onto ±MateScore.
func (r searchResult) centipawns() int {
	if !r.mate {
		return r.score
	}
	switch {
	case r.score > 0:
		return MateScore - r.score
	case r.score < 0:
		return -MateScore - r.score
	}
	return -MateScore
}

// session is one running engine process.
type session interface {
	search(fen string, depth int) (searchResult, error)
	close()
}

type uciSession struct {
	engine *uci.Engine
}

func (p *Pool) startUCI() (session, error) {
	engine, err := uci.NewEngine(p.cfg.StockfishPath)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	opts := uci.Options{
		Hash:    p.cfg.HashMB,
		Threads: p.cfg.Threads,
		MultiPV: 1,
		Ponder:  false,
		OwnBook: false,
	}
	if err := engine.SetOptions(opts); err != nil {
		engine.Close()
		return nil, fmt.Errorf("set engine options: %w", err)
	}
	return &uciSession{engine: engine}, nil
}

func (s *uciSession) search(fen string, depth int) (searchResult, error) {
	if err := s.engine.SetFEN(fen); err != nil {
		return searchResult{}, fmt.Errorf("set FEN: %w", err)
	}
	results, err := s.engine.GoDepth(depth, uci.HighestDepthOnly)
	if err != nil {
		return searchResult{}, fmt.Errorf("go depth %d: %w", depth, err)
	}
	if len(results.Results) == 0 {
		return searchResult{}, fmt.Errorf("no results from engine")
	}

	best := results.Results[0]
	for _, r := range results.Results {
		if r.Depth > best.Depth {
			best = r
		}
	}
	res := searchResult{
		score:    best.Score,
		mate:     best.Mate,
		bestMove: strings.TrimSpace(results.BestMove),
		pv:       best.BestMoves,
	}
	if res.bestMove == "" && len(res.pv) > 0 {
		res.bestMove = res.pv[0]
	}
	return res, nil
}

func (s *uciSession) close() {
	s.engine.Close()
}
