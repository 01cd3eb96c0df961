// Package config loads service configuration from the environment, with
// an optional YAML file for per-activity game defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the service needs to start.
type Config struct {
	Port     string
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Games    GamesConfig
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds the volatile-store connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig holds the optional event-relay settings. An empty URL
// disables the relay.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// GameDefaults are the clamped per-activity knobs, overridable per kind
// in the YAML file.
type GameDefaults struct {
	CountdownSec      int           `yaml:"countdown_sec"`
	RoundTimeSec      int           `yaml:"round_time_sec"`
	Rounds            int           `yaml:"rounds"`
	TurnsTotal        int           `yaml:"turns_total"`
	LobbyIdleTimeout  time.Duration `yaml:"lobby_idle_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SubmitLimit       int           `yaml:"submit_limit"`
	SubmitWindow      time.Duration `yaml:"submit_window"`
}

// GamesConfig maps activity kinds to their defaults.
type GamesConfig struct {
	Defaults GameDefaults            `yaml:"defaults"`
	Kinds    map[string]GameDefaults `yaml:"kinds"`
}

// FromEnv reads the environment (with defaults) and, when GAMES_CONFIG
// points at a YAML file, the game overrides.
func FromEnv() (Config, error) {
	cfg := Config{
		Port: getEnv("PORT", "8090"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "activities"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "activities.events"),
		},
	}

	if path := os.Getenv("GAMES_CONFIG"); path != "" {
		games, err := loadGamesConfig(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Games = *games
	}
	return cfg, nil
}

func loadGamesConfig(path string) (*GamesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read games config: %w", err)
	}
	var games GamesConfig
	if err := yaml.Unmarshal(data, &games); err != nil {
		return nil, fmt.Errorf("failed to parse games config: %w", err)
	}
	return &games, nil
}

// ForKind merges the file defaults with a kind's overrides. Zero fields
// fall through to the caller's built-in defaults.
func (g GamesConfig) ForKind(kind string) GameDefaults {
	merged := g.Defaults
	if override, ok := g.Kinds[kind]; ok {
		merged = mergeDefaults(merged, override)
	}
	return merged
}

func mergeDefaults(base, override GameDefaults) GameDefaults {
	if override.CountdownSec != 0 {
		base.CountdownSec = override.CountdownSec
	}
	if override.RoundTimeSec != 0 {
		base.RoundTimeSec = override.RoundTimeSec
	}
	if override.Rounds != 0 {
		base.Rounds = override.Rounds
	}
	if override.TurnsTotal != 0 {
		base.TurnsTotal = override.TurnsTotal
	}
	if override.LobbyIdleTimeout != 0 {
		base.LobbyIdleTimeout = override.LobbyIdleTimeout
	}
	if override.InactivityTimeout != 0 {
		base.InactivityTimeout = override.InactivityTimeout
	}
	if override.SubmitLimit != 0 {
		base.SubmitLimit = override.SubmitLimit
	}
	if override.SubmitWindow != 0 {
		base.SubmitWindow = override.SubmitWindow
	}
	return base
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
