package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"

	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/store"
)

// FileConfig configures a PGN file import.
type FileConfig struct {
	UserID    int64
	Provider  store.Provider // provider the games are attributed to
	RatingMin int            // skip games where either player is rated below
	MaxGames  int            // 0 = unlimited
	BatchSize int            // records analyzed per batch, default 50
	Logger    zerolog.Logger
}

// FileImporter feeds games from a PGN file (optionally .zst) through the
// orchestrator, as the analyze command does.
type FileImporter struct {
	cfg  FileConfig
	orch *Orchestrator
	log  zerolog.Logger
}

// NewFileImporter creates an importer for cfg.UserID.
func NewFileImporter(cfg FileConfig, orch *Orchestrator) (*FileImporter, error) {
	if !cfg.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &FileImporter{
		cfg:  cfg,
		orch: orch,
		log:  cfg.Logger.With().Str("component", "import").Logger(),
	}, nil
}

// ImportFile reads path and analyzes its games in batches.
func (f *FileImporter) ImportFile(ctx context.Context, path string) (Summary, error) {
	var sum Summary
	if !IsPGNFile(path) {
		return sum, fmt.Errorf("%s: not a .pgn or .pgn.zst file", path)
	}
	f.log.Info().Str("path", path).Int64("user", f.cfg.UserID).Msg("starting file import")

	startTime := time.Now()
	lastLog := time.Now()
	var games, skipped int
	batch := make([]string, 0, f.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		s, err := f.orch.ImportRecords(ctx, f.cfg.UserID, f.cfg.Provider, batch)
		sum.add(s)
		batch = batch[:0]
		return err
	}

	parser := pgn.Games(path)
	stopped := false
gameLoop:
	for game := range parser.Games {
		select {
		case <-ctx.Done():
			if !stopped {
				parser.Stop()
				stopped = true
			}
			break gameLoop
		default:
		}

		if f.cfg.RatingMin > 0 &&
			(parseRating(game.Tags["WhiteElo"]) < f.cfg.RatingMin || parseRating(game.Tags["BlackElo"]) < f.cfg.RatingMin) {
			skipped++
			continue
		}

		raw, err := recordOf(game)
		if err != nil {
			sum.Malformed++
			continue
		}
		batch = append(batch, raw)
		games++

		if len(batch) >= f.cfg.BatchSize {
			if err := flush(); err != nil {
				parser.Stop()
				return sum, err
			}
		}
		if f.cfg.MaxGames > 0 && games >= f.cfg.MaxGames {
			parser.Stop()
			stopped = true
			break
		}

		if time.Since(lastLog) > 10*time.Second {
			f.log.Info().
				Str("file", filepath.Base(path)).
				Int("games", games).
				Int("skipped", skipped).
				Int("blunders", sum.Blunders).
				Msg("import progress")
			lastLog = time.Now()
		}
	}

	if ctx.Err() == nil {
		if err := flush(); err != nil {
			return sum, err
		}
	}
	if err := parser.Err(); err != nil && !stopped {
		return sum, err
	}
	sum.Fetched = games

	f.log.Info().
		Str("file", filepath.Base(path)).
		Int("games", games).
		Int("skipped", skipped).
		Int("inserted", sum.Inserted).
		Int("blunders", sum.Blunders).
		Dur("elapsed", time.Since(startTime)).
		Msg("file import complete")
	return sum, ctx.Err()
}

// recordOf rebuilds a PGN record from a parsed game.
func recordOf(game *pgn.Game) (string, error) {
	start := pgn.NewStartingPosition()
	if fen := game.Tags["FEN"]; fen != "" {
		pos, err := notation.Position(fen)
		if err != nil {
			return "", err
		}
		start = pos
	}
	startFEN := start.ToFEN()
	moves := make([]string, len(game.Moves))
	for i, mv := range game.Moves {
		moves[i] = notation.ToUCI(mv)
	}
	return notation.FormatGame(game.Tags, startFEN, moves)
}

// IsPGNFile reports whether name ends in .pgn or .pgn.zst.
func IsPGNFile(name string) bool {
	ext := filepath.Ext(name)
	if ext == ".pgn" {
		return true
	}
	if ext == ".zst" {
		base := name[:len(name)-4]
		return filepath.Ext(base) == ".pgn"
	}
	return false
}

func parseRating(s string) int {
	if s == "" || s == "?" || s == "-" {
		return 0
	}
	r, _ := strconv.Atoi(s)
	return r
}
