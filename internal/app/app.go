// Package app wires the components of the service together.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ililio1/chesshelper/internal/assets"
	"github.com/ililio1/chesshelper/internal/blobstore"
	"github.com/ililio1/chesshelper/internal/config"
	"github.com/ililio1/chesshelper/internal/eco"
	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/httpapi"
	"github.com/ililio1/chesshelper/internal/ingest"
	"github.com/ililio1/chesshelper/internal/provider"
	"github.com/ililio1/chesshelper/internal/render"
	"github.com/ililio1/chesshelper/internal/review"
	"github.com/ililio1/chesshelper/internal/store"
)

// App holds every wired component.
type App struct {
	Config   config.Config
	Logger   zerolog.Logger
	Store    *store.Store
	Engine   engine.Evaluator
	Openings *eco.Database
	Blobs    blobstore.Store // nil unless R2 is configured
	Assets   *assets.Pipeline
	Ingest   *ingest.Orchestrator
	Sweeper  *ingest.Sweeper
	Sessions review.SessionStore
	Review   *review.Manager

	pool    *engine.Pool
	closers []func() error
}

// Dependencies replaces the external resources New would otherwise open.
// Nil fields are created from the config.
type Dependencies struct {
	Store     *store.Store
	Evaluator engine.Evaluator
	Providers provider.Set
	Blobs     blobstore.Store
	Sessions  review.SessionStore
}

// New opens the database, engine pool, session store and blob mirror
// described by cfg.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	return NewWithDependencies(ctx, cfg, log, Dependencies{})
}

// NewWithDependencies is New with some resources supplied by the caller.
func NewWithDependencies(ctx context.Context, cfg config.Config, log zerolog.Logger, deps Dependencies) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	st := deps.Store
	if st == nil {
		var err error
		st, err = store.Open(store.Config{Driver: cfg.DBDriver, DSN: cfg.DBURL, Logger: log})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
	}
	a.Store = st

	ev := deps.Evaluator
	if ev == nil {
		pool, err := engine.NewPool(engine.PoolConfig{
			StockfishPath: cfg.StockfishPath,
			Logger:        log,
			Depth:         cfg.EvalDepth,
			HashMB:        cfg.EngineHashMB,
			Threads:       cfg.EngineThreads,
			NumEngines:    cfg.NumEngines,
			Timeout:       cfg.EngineTimeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		ev = pool
	}
	a.Engine = ev

	openings, err := eco.Default(cfg.ECODir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load openings: %w", err)
	}
	a.Openings = openings
	log.Info().Int("openings", openings.Count()).Msg("ECO database loaded")

	a.Blobs = deps.Blobs
	if a.Blobs == nil && cfg.R2Enabled() {
		r2, err := blobstore.NewR2(ctx, blobstore.R2Config{
			AccountID: cfg.R2AccountID,
			AccessKey: cfg.R2AccessKey,
			SecretKey: cfg.R2SecretKey,
			Bucket:    cfg.R2Bucket,
			Endpoint:  cfg.R2Endpoint,
			Logger:    log,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Blobs = r2
		log.Info().Str("bucket", cfg.R2Bucket).Msg("asset mirror enabled")
	}

	a.Sessions = deps.Sessions
	if a.Sessions == nil {
		switch cfg.SessionBackend {
		case "redis":
			rs, err := review.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("connect redis: %w", err)
			}
			a.closers = append(a.closers, rs.Close)
			a.Sessions = rs
		default:
			a.Sessions = review.NewMemoryStore(cfg.SessionTTL)
		}
	}

	providers := deps.Providers
	if providers == nil {
		pcfg := provider.Config{UserAgent: cfg.UserAgent, Logger: log}
		lcfg, ccfg := pcfg, pcfg
		lcfg.BaseURL, ccfg.BaseURL = cfg.LichessURL, cfg.ChessComURL
		providers = provider.NewSet(provider.NewLichess(lcfg), provider.NewChessCom(ccfg))
	}

	a.Assets = assets.New(assets.Config{
		Evaluator:         ev,
		Store:             st,
		Renderer:          render.New(cfg.SquareSize),
		Blobs:             a.Blobs,
		Logger:            log,
		Workers:           cfg.RenderWorkers,
		QueueSize:         cfg.RenderQueueSize,
		ContinuationPlies: cfg.ContinuationPlies,
	})
	a.Ingest = ingest.New(ingest.Config{
		Store:          st,
		Providers:      providers,
		Evaluator:      ev,
		Assets:         a.Assets,
		Openings:       openings,
		Logger:         log,
		Window:         cfg.Window,
		MaxGames:       cfg.MaxGames,
		GameWorkers:    cfg.GameWorkers,
		BlunderWorkers: cfg.BlunderWorkers,
		Depth:          cfg.EvalDepth,
	})
	a.Sweeper = ingest.NewSweeper(a.Ingest, cfg.SweepInterval, log)
	a.Review = review.NewManager(review.Config{
		Store:     st,
		Sessions:  a.Sessions,
		Evaluator: ev,
		Assets:    a.Assets,
		Tolerance: cfg.FixTolerance,
		Depth:     cfg.EvalDepth,
		Logger:    log,
	})
	return a, nil
}

// StartBackground starts the render workers and the periodic sweep.
func (a *App) StartBackground(sweepNow bool) error {
	a.Assets.Start()
	if err := a.Sweeper.Start(sweepNow); err != nil {
		a.Assets.Stop()
		return err
	}
	a.Logger.Info().
		Dur("interval", a.Config.SweepInterval).
		Int("render_workers", a.Config.RenderWorkers).
		Msg("background jobs started")
	return nil
}

// StopBackground stops the sweep and waits for render workers to exit.
func (a *App) StopBackground() {
	if err := a.Sweeper.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("sweeper shutdown error")
	}
	a.Assets.Stop()
}

// Router returns the HTTP front end.
func (a *App) Router() *fiber.App {
	return httpapi.NewRouter(httpapi.Config{
		Users:  a.Store,
		Sync:   a.Ingest,
		Review: a.Review,
		Assets: a.Assets,
		Stats:  a.Stats,
		Logger: a.Logger,
	})
}

// Stats reports engine and render counters.
func (a *App) Stats() map[string]any {
	as := a.Assets.Stats()
	out := map[string]any{
		"render_queued":   as.Queued,
		"render_rendered": as.Rendered,
		"render_failed":   as.Failed,
	}
	if a.pool != nil {
		out["engine"] = a.pool.Stats()
	}
	return out
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	srv := a.Router()
	errc := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.Config.HTTPAddr).Msg("api listening")
		errc <- srv.Listen(a.Config.HTTPAddr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.Logger.Info().Msg("shutting down...")
	if err := srv.ShutdownWithTimeout(30 * time.Second); err != nil {
		a.Logger.Warn().Err(err).Msg("http server shutdown error")
	}
	return nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
