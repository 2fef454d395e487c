package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Sweeper periodically syncs every user.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	log      zerolog.Logger
	sched    gocron.Scheduler
}

// SweepResult summarises one pass over all users.
type SweepResult struct {
	Users   int
	Failed  int
	Resumed int
	Summary Summary
}

// NewSweeper creates a sweeper running every interval (8h when zero).
func NewSweeper(orch *Orchestrator, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 8 * time.Hour
	}
	return &Sweeper{
		orch:     orch,
		interval: interval,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Start schedules the sweep. Passes never overlap; when runNow is set the
// first pass starts immediately.
func (s *Sweeper) Start(runNow bool) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	opts := []gocron.JobOption{
		gocron.WithName("sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if runNow {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.RunOnce(context.Background())
		}),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.log.Info().Dur("interval", s.interval).Bool("run_now", runNow).Msg("sweeper started")
	return nil
}

// Stop shuts the scheduler down, waiting for a running pass.
func (s *Sweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched = nil
	return err
}

// RunOnce syncs all users one after another, then resumes their incomplete
// blunders. A failing user is logged and skipped.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var res SweepResult
	start := time.Now()

	users, err := s.orch.cfg.Store.ListUsers(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list users failed")
		return res
	}
	for _, u := range users {
		res.Users++
		sum, err := s.orch.SyncUser(ctx, u.ID)
		if err != nil {
			res.Failed++
			s.log.Warn().Err(err).Int64("user", u.ID).Msg("sync failed")
			continue
		}
		res.Summary.add(sum)

		n, err := s.orch.Resume(ctx, u.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("user", u.ID).Msg("resume failed")
			continue
		}
		res.Resumed += n
	}

	s.log.Info().
		Int("users", res.Users).
		Int("failed", res.Failed).
		Int("inserted", res.Summary.Inserted).
		Int("blunders", res.Summary.Blunders).
		Int("resumed", res.Resumed).
		Dur("elapsed", time.Since(start)).
		Msg("sweep complete")
	return res
}
