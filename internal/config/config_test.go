package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DB_PORT", "5433")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 5433, cfg.Database.Port)
}

func TestFromEnvUnparsableIntFallsBack(t *testing.T) {
	t.Setenv("REDIS_DB", "three")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "db", Port: 5432, User: "app", Password: "secret",
		Database: "activities", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://app:secret@db:5432/activities?sslmode=disable", db.DSN())
}

func TestGamesConfigForKind(t *testing.T) {
	games := GamesConfig{
		Defaults: GameDefaults{CountdownSec: 5, RoundTimeSec: 20},
		Kinds: map[string]GameDefaults{
			"speed_typing": {RoundTimeSec: 60, InactivityTimeout: 90 * time.Second},
		},
	}

	merged := games.ForKind("speed_typing")
	assert.Equal(t, 5, merged.CountdownSec)
	assert.Equal(t, 60, merged.RoundTimeSec)
	assert.Equal(t, 90*time.Second, merged.InactivityTimeout)

	// Unknown kinds fall back to the file defaults.
	other := games.ForKind("rock_paper_scissors")
	assert.Equal(t, 20, other.RoundTimeSec)
}

func TestGamesConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  countdown_sec: 4
kinds:
  story_builder:
    turns_total: 8
`), 0o600))
	t.Setenv("GAMES_CONFIG", path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Games.Defaults.CountdownSec)
	assert.Equal(t, 8, cfg.Games.ForKind("story_builder").TurnsTotal)
}

func TestGamesConfigBadFile(t *testing.T) {
	t.Setenv("GAMES_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := FromEnv()
	assert.Error(t, err)
}
