package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/broker"
	"github.com/quilljot/quilljot/internal/config"
	"github.com/quilljot/quilljot/internal/database"
	"github.com/quilljot/quilljot/internal/logger"
	"github.com/quilljot/quilljot/internal/metrics"
	"github.com/quilljot/quilljot/internal/models"
	"github.com/quilljot/quilljot/internal/realtime"
	"github.com/quilljot/quilljot/internal/repositories"
	"github.com/quilljot/quilljot/internal/services"
	"github.com/quilljot/quilljot/internal/utils"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	metrics.Register()

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create postgres pool")
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis client")
	}
	defer redisClient.Close()

	// The broker is a required dependency: no broker, no service.
	eventBroker, err := broker.NewRedisBroker(ctx, redisClient, cfg.PublishRetries, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to establish broker producer")
	}

	// Repositories
	blockRepo := repositories.NewPostgresBlockRepository(postgresPool)
	taskRepo := repositories.NewPostgresTaskRepository(postgresPool)
	pairRepo := repositories.NewPostgresPairRepository(postgresPool)
	userRepo := repositories.NewPostgresUserRepository(postgresPool)
	sessionRepo := repositories.NewRedisSessionRepository(redisClient)

	if err := bootstrapUser(ctx, userRepo, log); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap user")
	}

	// Services
	authService := services.NewAuthService(sessionRepo, cfg.JWTSecret, cfg.JWTExpiry)
	syncService := services.NewSyncService(blockRepo, taskRepo, pairRepo, eventBroker, log)

	eventService := services.NewEventService(eventBroker, cfg.ShutdownGrace, log)
	if err := syncService.Register(eventService); err != nil {
		log.Fatal().Err(err).Msg("failed to register sync handlers")
	}
	if err := eventService.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start event service")
	}

	// Realtime
	registry := realtime.NewRegistry(authService, cfg.SendQueueSize, log)
	broadcaster := realtime.NewBroadcaster(eventBroker, registry, log)
	if err := broadcaster.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start broadcaster")
	}

	// HTTP surface
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Method(http.MethodGet, "/ws", realtime.NewHandler(registry, log))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", cfg.ServerPort).Msg("starting server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}

	// Unwind consumers before releasing the broker so nothing publishes
	// into a closed transport.
	eventService.Stop()
	broadcaster.Stop()
	registry.CloseAll()
	if err := eventBroker.Close(); err != nil {
		log.Warn().Err(err).Msg("broker close")
	}

	log.Info().Msg("server stopped gracefully")
}

// bootstrapUser creates an initial account when QUILLJOT_BOOTSTRAP_EMAIL
// and QUILLJOT_BOOTSTRAP_PASSWORD are set, so a fresh deployment has a
// user to issue tokens for.
func bootstrapUser(ctx context.Context, users repositories.UserRepository, log zerolog.Logger) error {
	email := os.Getenv("QUILLJOT_BOOTSTRAP_EMAIL")
	password := os.Getenv("QUILLJOT_BOOTSTRAP_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	_, err := users.GetByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	user := &models.User{Email: email, PasswordHash: hash}
	if err := users.Create(ctx, user); err != nil {
		return err
	}

	log.Info().Str("user_id", user.ID.String()).Msg("bootstrap user created")
	return nil
}
