package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courtside-images/internal/fetch"
	"courtside-images/internal/handlers"
	"courtside-images/internal/httpserver"
	"courtside-images/internal/imagegen"
	"courtside-images/internal/lookup"
	"courtside-images/internal/metrics"
	"courtside-images/internal/store"
	"courtside-images/pkg/logging/logging"
)

type Config struct {
	Port          string
	DataDir       string
	LookupBackend string // "memory" or "redis"
	RedisAddr     string
	ImagenBaseURL string
	ImagenAPIKey  string
}

func LoadConfig() Config {
	return Config{
		Port:          getenv("PORT", "8080"),
		DataDir:       getenv("DATA_DIR", "./data/images"),
		LookupBackend: getenv("LOOKUP_CACHE_BACKEND", "memory"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		ImagenBaseURL: getenv("IMAGEGEN_BASE_URL", "https://api.imagegen.example"),
		ImagenAPIKey:  os.Getenv("IMAGEGEN_API_KEY"),
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("image service exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg := LoadConfig()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("lookup_backend", cfg.LookupBackend),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("imagegen_base_url", cfg.ImagenBaseURL),
	)

	// ----- Disk store (source of truth) -----
	diskStore, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		return err
	}

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.LookupBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Lookup accelerator (metadata fast path) -----
	lookupCfg := lookup.Config{
		Backend: cfg.LookupBackend,
		TTL:     30 * time.Minute,
		Prefix:  "courtside:images",
	}
	lookupCache := lookup.New(lookupCfg, redisClient)
	lookupCache = lookup.NewLoggingCache(lookupCache)

	// ----- Generation client -----
	if cfg.ImagenAPIKey == "" {
		return fmt.Errorf("IMAGEGEN_API_KEY is required")
	}

	generator, err := imagegen.NewClient(imagegen.Config{
		BaseURL: cfg.ImagenBaseURL,
		APIKey:  cfg.ImagenAPIKey,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := generator.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Blob fetcher -----
	fetcher := fetch.NewFetcher(diskStore, logger)

	// ----- Handlers -----
	imagesHandler := handlers.NewImagesHandler(
		diskStore,
		lookupCache,
		lookupCfg.TTL,
		generator,
		fetcher,
	)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, imagesHandler)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting image service",
		zap.String("addr", srv.Addr),
		zap.String("data_dir", cfg.DataDir),
		zap.String("lookup_backend", cfg.LookupBackend),
	)

	// Start server in background
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

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
