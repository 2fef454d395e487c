package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ililio1/chesshelper/internal/ingest"
	"github.com/ililio1/chesshelper/internal/store"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr     string
		sweepNow bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the periodic sweep and the render workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.StartBackground(sweepNow); err != nil {
				return err
			}
			defer a.StopBackground()

			err = a.Serve(ctx)
			opts.log.Info().Msg("shutdown complete")
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (env: CHESSHELPER_HTTP_ADDR)")
	cmd.Flags().BoolVar(&sweepNow, "sweep-now", false, "Run a sweep immediately instead of after the first interval")

	return cmd
}

func newSyncCmd(opts *options) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [user-id]",
		Short: "Fetch and analyze recent games of one user, or of everyone with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return &usageError{"pass either a user id or --all"}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			out := NewOutput(opts.output, cmd.OutOrStdout())

			// Render jobs queued by the sync are picked up by the next sweep's
			// resume when this process exits first.
			a.Assets.Start()
			defer a.Assets.Stop()

			if all {
				res := a.Sweeper.RunOnce(ctx)
				out.Print(res)
				return nil
			}
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			sum, err := a.Ingest.SyncUser(ctx, id)
			if err != nil {
				return err
			}
			out.Print(sum)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Sweep every user")

	return cmd
}

func newLinkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "link <user-id> <lichess|chesscom> <handle>",
		Short: "Link a provider account to a user",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			p, err := store.ParseProvider(args[1])
			if err != nil {
				return &usageError{err.Error()}
			}

			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			acc, err := st.LinkAccount(cmd.Context(), id, p, args[2])
			if err != nil {
				return err
			}
			NewOutput(opts.output, cmd.OutOrStdout()).
				PrintMessage(fmt.Sprintf("linked %s account %q to user %d", acc.Provider, acc.Handle, id))
			return nil
		},
	}
}

func newAnalyzeCmd(opts *options) *cobra.Command {
	var (
		providerName string
		ratingMin    int
		maxGames     int
		batchSize    int
	)

	cmd := &cobra.Command{
		Use:   "analyze <user-id> <file.pgn[.zst]>",
		Short: "Analyze the games of a PGN file for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			p, err := store.ParseProvider(providerName)
			if err != nil {
				return &usageError{err.Error()}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.Store.UpsertUser(ctx, id); err != nil {
				return err
			}

			a.Assets.Start()
			defer a.Assets.Stop()

			imp, err := ingest.NewFileImporter(ingest.FileConfig{
				UserID:    id,
				Provider:  p,
				RatingMin: ratingMin,
				MaxGames:  maxGames,
				BatchSize: batchSize,
				Logger:    opts.log,
			}, a.Ingest)
			if err != nil {
				return err
			}
			sum, err := imp.ImportFile(ctx, args[1])
			NewOutput(opts.output, cmd.OutOrStdout()).Print(sum)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", string(store.ProviderLichess), "Provider the games are attributed to")
	cmd.Flags().IntVar(&ratingMin, "rating-min", 0, "Skip games where either player is rated below this")
	cmd.Flags().IntVar(&maxGames, "max-games", 0, "Stop after this many games (0 = all)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Games analyzed per batch")

	return cmd
}
