package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusconnect/activities/internal/config"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/engine/rps"
	"github.com/campusconnect/activities/internal/engine/story"
	"github.com/campusconnect/activities/internal/engine/typing"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/ratelimit"
	"github.com/campusconnect/activities/internal/repository"
	"github.com/campusconnect/activities/internal/scheduler"
	"github.com/campusconnect/activities/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}

	log.Info().
		Str("database", cfg.Database.Database).
		Str("redis", cfg.Redis.Addr).
		Str("port", cfg.Port).
		Msg("starting activities service")

	hub := gateway.NewHub(gateway.DefaultHubConfig())
	var pub gateway.Publisher = hub
	if cfg.NATS.URL != "" {
		relay, err := gateway.NewNATSRelay(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect nats relay")
		}
		defer relay.Close()
		pub = gateway.Fanout{hub, relay}
	}

	repo := repository.New(pool)
	store := livestate.NewRedisStore(redisClient)
	clock := clockwork.NewRealClock()
	limiter := ratelimit.NewRedisLimiter(redisClient, clock)

	newDeps := func(kind models.ActivityKind) engine.Deps {
		return engine.Deps{
			Repo:     repo,
			Store:    store,
			Sched:    scheduler.New(clock),
			Pub:      pub,
			Limiter:  limiter,
			Clock:    clock,
			Settings: settingsFor(cfg.Games, kind),
		}
	}

	rpsEngine := rps.New(newDeps(models.ActivityRockPaperScissors))
	storyEngine := story.New(newDeps(models.ActivityStoryBuilder))
	typingEngine := typing.New(newDeps(models.ActivitySpeedTyping))

	go rpsEngine.Run(ctx)
	go storyEngine.Run(ctx)
	go typingEngine.Run(ctx)

	engines := map[models.ActivityKind]server.Actions{
		models.ActivityRockPaperScissors: rpsEngine,
		models.ActivityStoryBuilder:      storyEngine,
		models.ActivitySpeedTyping:       typingEngine,
	}

	mux := http.NewServeMux()
	service := server.New(hub, engines, repo)
	service.RegisterRoutes(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler.Handler(mux),
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	rpsEngine.Scheduler().Stop()
	storyEngine.Scheduler().Stop()
	typingEngine.Scheduler().Stop()
	log.Info().Msg("shutdown complete")
}

// settingsFor merges the engine defaults with any file overrides.
func settingsFor(games config.GamesConfig, kind models.ActivityKind) engine.Settings {
	s := engine.DefaultSettings()
	d := games.ForKind(string(kind))
	if d.CountdownSec != 0 {
		s.CountdownSec = d.CountdownSec
	}
	if d.RoundTimeSec != 0 {
		s.RoundTimeSec = d.RoundTimeSec
	}
	if d.Rounds != 0 {
		s.Rounds = d.Rounds
	}
	if d.TurnsTotal != 0 {
		s.TurnsTotal = d.TurnsTotal
	}
	if d.LobbyIdleTimeout != 0 {
		s.LobbyIdleTimeout = d.LobbyIdleTimeout
	}
	if d.InactivityTimeout != 0 {
		s.InactivityTimeout = d.InactivityTimeout
	}
	if d.SubmitLimit != 0 {
		s.SubmitLimit = d.SubmitLimit
	}
	if d.SubmitWindow != 0 {
		s.SubmitWindow = d.SubmitWindow
	}
	return s
}
