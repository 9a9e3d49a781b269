package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"claudegate/internal/auth"
	"claudegate/internal/cache"
	"claudegate/internal/config"
	"claudegate/internal/gemini"
	"claudegate/internal/handlers"
	"claudegate/internal/httpserver"
	"claudegate/internal/metrics"
	"claudegate/internal/signature"
	"claudegate/pkg/logging/logging"
)

const signatureStoreSize = 10000

func main() {
	if err := run(); err != nil {
		log.Fatalf("claudegate exited with error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ----- Config -----
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger := logging.NewLogger(cfg.LogLevel)
	logging.SetDefault(logger)
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("credentials_path", cfg.CredentialsPath),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.String("handle_backend", cfg.Cache.HandleBackend),
	)

	// ----- Credentials -----
	authManager, err := auth.NewManager(auth.ManagerConfig{
		CredentialsPath: cfg.CredentialsPath,
	})
	if err != nil {
		return err
	}

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.HandleBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
		})
	}

	// ----- Caches -----
	var translationCache *cache.TranslationCache
	if cfg.Cache.Enabled {
		translationCache = cache.NewTranslationCache(cfg.Cache.Capacity, cfg.Cache.TTL)
	}
	// The factory pings Redis so a bad address fails at boot.
	handles, err := cache.NewHandleStore(context.Background(), cache.HandleStoreConfig{
		Backend: cfg.Cache.HandleBackend,
		Prefix:  cfg.Cache.Prefix,
	}, redisClient)
	if err != nil {
		logger.Error("handle store init failed", zap.Error(err))
		return err
	}
	if redisClient != nil {
		logger.Info("redis connection established", zap.String("addr", cfg.Cache.RedisAddr))
	}

	// ----- Backend client -----
	backend, err := gemini.NewClient(gemini.Config{
		BaseURL:         cfg.Backend.BaseURL,
		APIVersion:      cfg.Backend.APIVersion,
		UpstreamTimeout: cfg.Backend.UpstreamTimeout,
		StreamTimeout:   cfg.Backend.StreamTimeout,
		MaxRetries:      cfg.Backend.MaxRetries,
	}, authManager, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	// ----- Project resolution -----
	if authManager.ProjectID() == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		project, err := backend.ResolveProject(ctx)
		cancel()
		if err != nil {
			logger.Error("project resolution failed", zap.Error(err))
			return err
		}
		authManager.SetProjectID(context.Background(), project)
	}
	logger.Info("serving for project", zap.String("project", authManager.ProjectID()))

	// ----- Handlers -----
	sigs := signature.NewStore(signatureStoreSize)
	msgs := handlers.NewMessagesHandler(backend, translationCache, handles, sigs, authManager.ProjectID)
	health := handlers.NewHealthHandler(authManager)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, msgs, health)

	// ----- HTTP server -----
	// WriteTimeout stays zero: SSE responses outlive any fixed budget.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting proxy", zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
