package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.GameWorkers)
	assert.Equal(t, 4, cfg.BlunderWorkers)
	assert.Equal(t, 8*time.Hour, cfg.SweepInterval)
	assert.Equal(t, 15, cfg.EvalDepth)
	assert.Equal(t, 6, cfg.ContinuationPlies)
	assert.Equal(t, 50, cfg.FixTolerance)
	assert.Equal(t, 30, cfg.MaxGames)
	assert.False(t, cfg.R2Enabled())
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"CHESSHELPER_GAME_WORKERS":    "5",
		"CHESSHELPER_SWEEP_INTERVAL":  "2h",
		"CHESSHELPER_LOG_JSON":        "true",
		"CHESSHELPER_SESSION_BACKEND": "redis",
		"REDIS_URL":                   "redis://localhost:6379/0",
		"STOCKFISH_PATH":              "/usr/bin/stockfish",
	}))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.GameWorkers)
	assert.Equal(t, 2*time.Hour, cfg.SweepInterval)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "/usr/bin/stockfish", cfg.StockfishPath)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"CHESSHELPER_GAME_WORKERS":   "many",
		"CHESSHELPER_SWEEP_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHESSHELPER_GAME_WORKERS")
	assert.Contains(t, err.Error(), "CHESSHELPER_SWEEP_INTERVAL")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero game workers", func(c *Config) { c.GameWorkers = 0 }, "GameWorkers"},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, "DBDriver"},
		{"redis without url", func(c *Config) { c.SessionBackend = "redis" }, "RedisURL"},
		{"bucket without keys", func(c *Config) { c.R2Bucket = "assets" }, "R2AccessKey"},
		{"bad provider url", func(c *Config) { c.LichessURL = "not a url" }, "LichessURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
