// Package config loads process configuration from the environment.
//
// Values come from, in increasing priority: built-in defaults, a .env file in
// the working directory (if present), and the process environment. Command
// line flags are applied on top by the cli package.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the service.
type Config struct {
	LogLevel string
	LogJSON  bool

	DBDriver string `validate:"oneof=postgres sqlite"`
	DBURL    string `validate:"required"`

	StockfishPath string
	NumEngines    int           `validate:"min=1"`
	EngineHashMB  int           `validate:"min=1"`
	EngineThreads int           `validate:"min=1"`
	EvalDepth     int           `validate:"min=1,max=60"`
	EngineTimeout time.Duration `validate:"min=1s"`

	GameWorkers     int `validate:"min=1"`
	BlunderWorkers  int `validate:"min=1"`
	RenderWorkers   int `validate:"min=1"`
	RenderQueueSize int `validate:"min=1"`

	SweepInterval time.Duration `validate:"min=1m"`
	Window        time.Duration `validate:"min=1h"`
	MaxGames      int           `validate:"min=1"`

	ContinuationPlies int `validate:"min=1"`
	FixTolerance      int `validate:"min=0"`
	SquareSize        int `validate:"min=16,max=200"`

	LichessURL  string `validate:"url"`
	ChessComURL string `validate:"url"`
	UserAgent   string `validate:"required"`

	SessionBackend string        `validate:"oneof=memory redis"`
	RedisURL       string        `validate:"required_if=SessionBackend redis"`
	SessionTTL     time.Duration `validate:"min=1m"`

	R2AccountID string
	R2AccessKey string `validate:"required_with=R2Bucket"`
	R2SecretKey string `validate:"required_with=R2Bucket"`
	R2Bucket    string
	R2Endpoint  string

	HTTPAddr string `validate:"required"`
	ECODir   string
}

// Default returns the built-in configuration.
func Default() Config {
	engines := runtime.NumCPU() / 2
	if engines < 1 {
		engines = 1
	}
	return Config{
		LogLevel:          "info",
		DBDriver:          "sqlite",
		DBURL:             "chesshelper.db",
		StockfishPath:     "stockfish",
		NumEngines:        engines,
		EngineHashMB:      64,
		EngineThreads:     1,
		EvalDepth:         15,
		EngineTimeout:     60 * time.Second,
		GameWorkers:       3,
		BlunderWorkers:    4,
		RenderWorkers:     2,
		RenderQueueSize:   1000,
		SweepInterval:     8 * time.Hour,
		Window:            7 * 24 * time.Hour,
		MaxGames:          30,
		ContinuationPlies: 6,
		FixTolerance:      50,
		SquareSize:        64,
		LichessURL:        "https://lichess.org",
		ChessComURL:       "https://api.chess.com",
		UserAgent:         "chesshelper/1.0",
		SessionBackend:    "memory",
		SessionTTL:        24 * time.Hour,
		HTTPAddr:          ":8080",
	}
}

var validate = validator.New()

// Load reads .env (when present) and the environment over the defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// R2Enabled reports whether rendered assets are mirrored to object storage.
func (c Config) R2Enabled() bool {
	return c.R2Bucket != ""
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CHESSHELPER_LOG_LEVEL", &c.LogLevel)
	boolean("CHESSHELPER_LOG_JSON", &c.LogJSON)
	str("CHESSHELPER_DB_DRIVER", &c.DBDriver)
	str("DATABASE_URL", &c.DBURL)
	str("STOCKFISH_PATH", &c.StockfishPath)
	num("CHESSHELPER_ENGINES", &c.NumEngines)
	num("CHESSHELPER_ENGINE_HASH_MB", &c.EngineHashMB)
	num("CHESSHELPER_ENGINE_THREADS", &c.EngineThreads)
	num("CHESSHELPER_EVAL_DEPTH", &c.EvalDepth)
	dur("CHESSHELPER_ENGINE_TIMEOUT", &c.EngineTimeout)
	num("CHESSHELPER_GAME_WORKERS", &c.GameWorkers)
	num("CHESSHELPER_BLUNDER_WORKERS", &c.BlunderWorkers)
	num("CHESSHELPER_RENDER_WORKERS", &c.RenderWorkers)
	num("CHESSHELPER_RENDER_QUEUE", &c.RenderQueueSize)
	dur("CHESSHELPER_SWEEP_INTERVAL", &c.SweepInterval)
	dur("CHESSHELPER_WINDOW", &c.Window)
	num("CHESSHELPER_MAX_GAMES", &c.MaxGames)
	num("CHESSHELPER_CONTINUATION_PLIES", &c.ContinuationPlies)
	num("CHESSHELPER_FIX_TOLERANCE", &c.FixTolerance)
	num("CHESSHELPER_SQUARE_SIZE", &c.SquareSize)
	str("CHESSHELPER_LICHESS_URL", &c.LichessURL)
	str("CHESSHELPER_CHESSCOM_URL", &c.ChessComURL)
	str("CHESSHELPER_USER_AGENT", &c.UserAgent)
	str("CHESSHELPER_SESSION_BACKEND", &c.SessionBackend)
	str("REDIS_URL", &c.RedisURL)
	dur("CHESSHELPER_SESSION_TTL", &c.SessionTTL)
	str("CLOUDFLARE_ACCOUNT_ID", &c.R2AccountID)
	str("R2_ACCESS_KEY_ID", &c.R2AccessKey)
	str("R2_ACCESS_KEY_SECRET", &c.R2SecretKey)
	str("R2_BUCKET_NAME", &c.R2Bucket)
	str("R2_ENDPOINT", &c.R2Endpoint)
	str("CHESSHELPER_HTTP_ADDR", &c.HTTPAddr)
	str("CHESSHELPER_ECO_DIR", &c.ECODir)

	return errors.Join(errs...)
}
