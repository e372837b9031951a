package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"examprep/internal/ratelimit"
	"examprep/internal/util"
	"examprep/pkg/ai"
	"examprep/pkg/storage"
	"examprep/pkg/store"
	"examprep/services/planner/internal/app"
	"examprep/services/planner/internal/config"
	"examprep/services/planner/internal/extract"
	"examprep/services/planner/internal/gateway"
	"examprep/services/planner/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	medium, closeMedium, err := store.OpenMedium(ctx, store.Options{
		Backend:       cfg.StorageBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisPrefix:   cfg.RedisPrefix,
		SQLitePath:    cfg.SQLitePath,
		DatabaseURL:   cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer func() {
		if err := closeMedium(); err != nil {
			logger.Warn("close storage", "err", err)
		}
	}()

	provider := ai.ProviderConfig{Provider: cfg.AIProvider, APIKey: cfg.AIAPIKey, BaseURL: cfg.AIBaseURL}
	generator, err := ai.NewGenerator(provider, cfg.AIModel)
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}
	planner, err := ai.NewGenerator(provider, cfg.AIPlanModel)
	if err != nil {
		log.Fatalf("failed to init plan generator: %v", err)
	}
	gw, err := gateway.New(generator, planner)
	if err != nil {
		log.Fatalf("failed to init gateway: %v", err)
	}

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:   store.New(medium),
		Gateway: gw,
		Extractor: extract.New(extract.Options{
			DisablePdftotext: cfg.DisablePdftotext,
			MaxChars:         cfg.ExtractMaxChars,
		}),
		Objects:            objects,
		ExtractConcurrency: cfg.ExtractConcurrency,
		PresignExpiry:      time.Duration(cfg.PresignExpirySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trustedProxyCidrs: %v", err)
	}
	authLimiter, err := newLimiter(cfg, "auth", cfg.AuthRateLimitPerMinute)
	if err != nil {
		log.Fatalf("%v", err)
	}
	aiLimiter, err := newLimiter(cfg, "ai", cfg.AIRateLimitPerMinute)
	if err != nil {
		log.Fatalf("%v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                appCore,
		AuthLimiter:        authLimiter,
		AILimiter:          aiLimiter,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		AllowedExtensions:  cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Generation calls can take well over a minute.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	slog.Info("planner server listening", "addr", addr, "storage", cfg.StorageBackend, "ai_provider", cfg.AIProvider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func openObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ObjectStore {
	case "file":
		return storage.NewFileStore(cfg.FileStorePath)
	case "minio":
		return storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		return nil, nil
	}
}

func newLimiter(cfg config.FileConfig, name string, perMinute int) (*ratelimit.FixedWindowLimiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix+":ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init %s limiter: %w", name, err)
	}
	return limiter, nil
}
