package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/studyloop/studyloop-auth/internal/apikey"
	"github.com/studyloop/studyloop-auth/internal/auth"
	"github.com/studyloop/studyloop-auth/internal/config"
	"github.com/studyloop/studyloop-auth/internal/oauth"
	"github.com/studyloop/studyloop-auth/internal/ratelimit"
	"github.com/studyloop/studyloop-auth/internal/usage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config.LoadEnv(".env", logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	store, err := oauth.NewStoreFromEnv()
	if err != nil {
		logger.Error("failed to initialize credential store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	lifecycle := oauth.LoadConfigFromEnv()

	// Ephemeral state defaults to process memory; a Redis URL opts into
	// shared state for multi-instance deployments.
	var ephemeral oauth.EphemeralStore
	var redisClient *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisStore, err := oauth.NewRedisStore(redisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		ephemeral = redisStore
		redisClient = redisStore.Client()
	} else {
		memStore := oauth.NewMemoryStore(lifecycle.SweepInterval, logger)
		defer memStore.Close()
		ephemeral = memStore
		logger.Info("ephemeral state is process-local; interactive flows must be pinned to this instance")
	}

	registry := oauth.NewRegistry(store, ephemeral, lifecycle)

	keyStore, err := apikey.NewPostgresStore(store.DB())
	if err != nil {
		logger.Error("failed to initialize api key store", "error", err)
		os.Exit(1)
	}
	keys := apikey.NewService(keyStore, cfg.APIKeys.MaxPerUser, logger)

	jwksURL := os.Getenv("SESSION_JWKS_URL")
	if jwksURL == "" {
		jwksURL = cfg.Session.JWKSURL
	}
	if jwksURL == "" {
		logger.Error("SESSION_JWKS_URL is required")
		os.Exit(1)
	}
	sessions := auth.NewSessionVerifier(jwksURL, os.Getenv("SESSION_JWKS_AUTH_HEADER"))

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(
			float64(cfg.RateLimit.RequestsPerMinute)/cfg.RateLimit.Window.Seconds(),
			cfg.RateLimit.Burst, logger)
		defer memLimiter.Close()
		limiter = memLimiter
	}

	var recorder usage.Recorder
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		amqpRecorder, err := usage.NewAMQPRecorder(amqpURL)
		if err != nil {
			logger.Error("failed to connect to amqp", "error", err)
			os.Exit(1)
		}
		defer amqpRecorder.Close()
		recorder = amqpRecorder
	} else {
		recorder = usage.NewLogRecorder(logger)
	}

	authenticator := auth.NewAuthenticator(sessions, keys, limiter, recorder, logger)
	api := &apiHandlers{registry: registry, keys: keys, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	protected := http.NewServeMux()
	protected.HandleFunc("GET /v1/me", api.handleMe)
	protected.HandleFunc("GET /v1/apikeys", api.handleListKeys)
	protected.HandleFunc("POST /v1/apikeys", api.handleCreateKey)
	protected.HandleFunc("DELETE /v1/apikeys/{id}", api.handleRevokeKey)
	protected.HandleFunc("POST /v1/tokens/revoke", api.handleRevokeToken)
	mux.Handle("/v1/", authenticator.Middleware(protected))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("auth service listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
