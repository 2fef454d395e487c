// Package ingest fetches users' games, finds their blunders and hands them
// to the asset pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ililio1/chesshelper/internal/blunder"
	"github.com/ililio1/chesshelper/internal/eco"
	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/provider"
	"github.com/ililio1/chesshelper/internal/store"
)

// Store is the part of the persistence gateway ingestion uses.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	InsertGameIfAbsent(ctx context.Context, g store.NewGame) (uint, bool, error)
	DeleteGame(ctx context.Context, id uint) error
	InsertBlundersIfAbsent(ctx context.Context, gameID uint, list []store.NewBlunder) ([]store.Blunder, error)
	ListIncompleteBlunders(ctx context.Context, userID int64) ([]store.Blunder, error)
}

// Analyzer runs the secondary analysis of a blunder.
type Analyzer interface {
	Analyze(ctx context.Context, b *store.Blunder) error
	Enqueue(id uint) bool
}

// Config configures the orchestrator.
type Config struct {
	Store          Store
	Providers      provider.Set
	Evaluator      engine.Evaluator
	Assets         Analyzer
	Openings       *eco.Database // optional
	Logger         zerolog.Logger
	Window         time.Duration // how far back to fetch
	MaxGames       int           // per provider
	GameWorkers    int
	BlunderWorkers int
	Depth          int
	Now            func() time.Time
}

// Orchestrator syncs users' games.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger
}

// Summary counts the outcome of one sync.
type Summary struct {
	Fetched        int      `json:"fetched"`
	Inserted       int      `json:"inserted"`
	Skipped        int      `json:"skipped"`   // already stored
	Malformed      int      `json:"malformed"` // records that did not replay
	Analyzed       int      `json:"analyzed"`
	Failed         int      `json:"failed"` // games released after an engine failure
	Blunders       int      `json:"blunders"`
	ProviderErrors []string `json:"provider_errors,omitempty"`
}

func (s *Summary) add(o Summary) {
	s.Fetched += o.Fetched
	s.Inserted += o.Inserted
	s.Skipped += o.Skipped
	s.Malformed += o.Malformed
	s.Analyzed += o.Analyzed
	s.Failed += o.Failed
	s.Blunders += o.Blunders
	s.ProviderErrors = append(s.ProviderErrors, o.ProviderErrors...)
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.MaxGames <= 0 {
		cfg.MaxGames = 30
	}
	if cfg.GameWorkers <= 0 {
		cfg.GameWorkers = 3
	}
	if cfg.BlunderWorkers <= 0 {
		cfg.BlunderWorkers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "ingest").Logger(),
	}
}

// gameJob is a newly inserted game awaiting analysis.
type gameJob struct {
	id   uint
	game *notation.Game
}

// SyncUser fetches the recent games of every account linked to userID and
// analyzes the ones not seen before. Failures of one provider or one game
// are logged and counted, never returned.
func (o *Orchestrator) SyncUser(ctx context.Context, userID int64) (Summary, error) {
	var sum Summary
	user, err := o.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		return sum, err
	}
	log := o.log.With().Int64("user", userID).Logger()

	until := o.cfg.Now()
	since := until.Add(-o.cfg.Window)

	var jobs []gameJob
	for _, acc := range user.Accounts {
		p, ok := o.cfg.Providers[acc.Provider]
		if !ok {
			log.Warn().Str("provider", string(acc.Provider)).Msg("no client for provider")
			continue
		}
		raws, err := p.FetchGames(ctx, acc.Handle, since, until, o.cfg.MaxGames)
		if err != nil {
			log.Warn().Err(err).Str("provider", string(acc.Provider)).Str("handle", acc.Handle).Msg("fetch failed, skipping provider")
			sum.ProviderErrors = append(sum.ProviderErrors, string(acc.Provider))
			continue
		}
		sum.Fetched += len(raws)

		js, s, err := o.insertRecords(ctx, userID, acc.Provider, raws)
		sum.add(s)
		if err != nil {
			return sum, err
		}
		jobs = append(jobs, js...)
	}

	sum.add(o.analyzeGames(ctx, jobs))
	log.Info().
		Int("fetched", sum.Fetched).
		Int("inserted", sum.Inserted).
		Int("skipped", sum.Skipped).
		Int("malformed", sum.Malformed).
		Int("failed", sum.Failed).
		Int("blunders", sum.Blunders).
		Msg("sync complete")
	return sum, nil
}

// ImportRecords stores and analyzes raw records for userID as if they had
// been fetched from provider p.
func (o *Orchestrator) ImportRecords(ctx context.Context, userID int64, p store.Provider, raws []string) (Summary, error) {
	jobs, sum, err := o.insertRecords(ctx, userID, p, raws)
	sum.Fetched = len(raws)
	if err != nil {
		return sum, err
	}
	sum.add(o.analyzeGames(ctx, jobs))
	return sum, nil
}

// insertRecords parses and inserts raws, returning the games that were new.
// A store error aborts the batch.
func (o *Orchestrator) insertRecords(ctx context.Context, userID int64, p store.Provider, raws []string) ([]gameJob, Summary, error) {
	var (
		sum  Summary
		jobs []gameJob
	)
	for _, raw := range raws {
		g, err := notation.ParseGame(raw)
		if err != nil {
			o.log.Debug().Err(err).Int64("user", userID).Msg("skipping malformed record")
			sum.Malformed++
			continue
		}
		ng := store.NewGame{
			UserID:   userID,
			Provider: p,
			Raw:      raw,
			White:    g.White(),
			Black:    g.Black(),
		}
		if o.cfg.Openings != nil {
			if op := o.cfg.Openings.Classify(g); op != nil {
				ng.Opening = op.String()
			}
		}
		id, inserted, err := o.cfg.Store.InsertGameIfAbsent(ctx, ng)
		if err != nil {
			return jobs, sum, fmt.Errorf("insert game: %w", err)
		}
		if !inserted {
			sum.Skipped++
			continue
		}
		sum.Inserted++
		jobs = append(jobs, gameJob{id: id, game: g})
	}
	return jobs, sum, nil
}

// analyzeGames runs at most GameWorkers game analyses at once.
func (o *Orchestrator) analyzeGames(ctx context.Context, jobs []gameJob) Summary {
	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)
	g.SetLimit(o.cfg.GameWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			n, err := o.AnalyzeGame(ctx, job.id, job.game)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				o.log.Warn().Err(err).Uint("game", job.id).Msg("game analysis failed")
				return nil
			}
			sum.Analyzed++
			sum.Blunders += n
			return nil
		})
	}
	_ = g.Wait()
	return sum
}

// AnalyzeGame evaluates every position of g in order, stores the detected
// blunders and runs their secondary analysis. When the engine fails the
// game row is deleted so that a later sync picks the game up again.
func (o *Orchestrator) AnalyzeGame(ctx context.Context, gameID uint, g *notation.Game) (int, error) {
	positions := g.Positions()
	evals := make([]int, len(positions))
	for i, fen := range positions {
		score, err := o.cfg.Evaluator.Evaluate(ctx, fen, o.cfg.Depth)
		if err != nil {
			if derr := o.cfg.Store.DeleteGame(context.WithoutCancel(ctx), gameID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				o.log.Error().Err(derr).Uint("game", gameID).Msg("release game failed")
			}
			return 0, fmt.Errorf("evaluate ply %d of game %d: %w", i, gameID, err)
		}
		evals[i] = score
	}

	var found []store.NewBlunder
	for _, idx := range blunder.Detect(evals) {
		if idx >= len(g.Plies) {
			continue
		}
		ply := g.Plies[idx]
		found = append(found, store.NewBlunder{Ply: ply.Index, FENBefore: ply.FENBefore, PlayedMove: ply.UCI})
	}
	if len(found) == 0 {
		return 0, nil
	}

	rows, err := o.cfg.Store.InsertBlundersIfAbsent(ctx, gameID, found)
	if err != nil {
		return 0, err
	}
	o.analyzeBlunders(ctx, rows)
	return len(rows), nil
}

// analyzeBlunders runs at most BlunderWorkers secondary analyses at once.
// Blunders whose analysis fails keep an empty best move and are picked up
// by Resume.
func (o *Orchestrator) analyzeBlunders(ctx context.Context, rows []store.Blunder) {
	if o.cfg.Assets == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(o.cfg.BlunderWorkers)
	for i := range rows {
		b := &rows[i]
		if b.BestMove != nil {
			continue
		}
		g.Go(func() error {
			if err := o.cfg.Assets.Analyze(ctx, b); err != nil {
				o.log.Warn().Err(err).Uint("blunder", b.ID).Msg("blunder analysis failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Resume finishes work left incomplete for userID: blunders without a best
// move are analyzed again and analyzed ones still pending are re-queued for
// rendering.
func (o *Orchestrator) Resume(ctx context.Context, userID int64) (int, error) {
	rows, err := o.cfg.Store.ListIncompleteBlunders(ctx, userID)
	if err != nil {
		return 0, err
	}
	if o.cfg.Assets == nil {
		return 0, nil
	}
	var missing []store.Blunder
	for _, b := range rows {
		if b.BestMove == nil {
			missing = append(missing, b)
			continue
		}
		o.cfg.Assets.Enqueue(b.ID)
	}
	o.analyzeBlunders(ctx, missing)
	return len(rows), nil
}
