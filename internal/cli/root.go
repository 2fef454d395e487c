// Package cli implements the chesshelper command line.
package cli

import (
	"context"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ililio1/chesshelper/internal/app"
	"github.com/ililio1/chesshelper/internal/config"
	"github.com/ililio1/chesshelper/internal/logx"
	"github.com/ililio1/chesshelper/internal/store"
)

// options is shared by all subcommands once the root pre-run has loaded the
// configuration.
type options struct {
	cfg    config.Config
	log    zerolog.Logger
	output string

	logLevel  string
	logJSON   bool
	dbDriver  string
	dbURL     string
	stockfish string
	depth     int
	engines   int
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &options{output: "text"}

	rootCmd := &cobra.Command{
		Use:   "chesshelper",
		Short: "Find and drill the blunders from your recent online games",
		Long: `chesshelper fetches your recent games from lichess and chess.com, finds the
moves that lost a large amount of evaluation and lets you practise finding
the better move.

Configuration comes from the environment (and a .env file), overridden by
the flags below.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (env: CHESSHELPER_LOG_LEVEL)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "Log JSON lines (env: CHESSHELPER_LOG_JSON)")
	pf.StringVar(&opts.dbDriver, "db-driver", "", "Database driver: postgres, sqlite (env: CHESSHELPER_DB_DRIVER)")
	pf.StringVar(&opts.dbURL, "db", "", "Database DSN (env: DATABASE_URL)")
	pf.StringVar(&opts.stockfish, "stockfish", "", "Path to the Stockfish binary (env: STOCKFISH_PATH)")
	pf.IntVar(&opts.depth, "depth", 0, "Search depth per position (env: CHESSHELPER_EVAL_DEPTH)")
	pf.IntVar(&opts.engines, "engines", 0, "Concurrent engine processes (env: CHESSHELPER_ENGINES)")
	pf.StringVarP(&opts.output, "output", "o", opts.output, "Output format: text, json")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSyncCmd(opts))
	rootCmd.AddCommand(newLinkCmd(opts))
	rootCmd.AddCommand(newAnalyzeCmd(opts))
	rootCmd.AddCommand(newReviewCmd(opts))

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fl := cmd.Flags()
	if fl.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if fl.Changed("log-json") {
		cfg.LogJSON = o.logJSON
	}
	if fl.Changed("db-driver") {
		cfg.DBDriver = o.dbDriver
	}
	if fl.Changed("db") {
		cfg.DBURL = o.dbURL
	}
	if fl.Changed("stockfish") {
		cfg.StockfishPath = o.stockfish
	}
	if fl.Changed("depth") {
		cfg.EvalDepth = o.depth
	}
	if fl.Changed("engines") {
		cfg.NumEngines = o.engines
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	o.log = logx.New(logx.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Out: cmd.ErrOrStderr()})
	return nil
}

func (o *options) openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, o.cfg, o.log)
}

func (o *options) openStore() (*store.Store, error) {
	return store.Open(store.Config{Driver: o.cfg.DBDriver, DSN: o.cfg.DBURL, Logger: o.log})
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &usageError{"user id must be an integer, got " + strconv.Quote(s)}
	}
	return id, nil
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
