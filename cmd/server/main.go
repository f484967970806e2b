package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/josepinto1991/healthshield-api/internal/cache"
	"github.com/josepinto1991/healthshield-api/internal/config"
	"github.com/josepinto1991/healthshield-api/internal/crypto"
	"github.com/josepinto1991/healthshield-api/internal/db"
	internalhttp "github.com/josepinto1991/healthshield-api/internal/http"
	"github.com/josepinto1991/healthshield-api/internal/repository"
	"github.com/josepinto1991/healthshield-api/internal/sync"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := db.InitSchema(ctx, pool); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}

	store := repository.NewStore(pool)

	adminHash, err := crypto.HashPassword(cfg.AdminPassword)
	if err != nil {
		logger.Fatal("admin password hash failed", zap.Error(err))
	}
	if err := store.EnsureAdminAccount(ctx, cfg.AdminUsername, cfg.AdminUsername+"@localhost", adminHash); err != nil {
		logger.Fatal("admin bootstrap failed", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}
	responseCache := cache.New(redisClient, cfg.StatsCacheTTL)

	reconciler := sync.NewReconciler(store, logger)
	feed := sync.NewFeed(store)

	server := internalhttp.NewServer(cfg, store, reconciler, feed, responseCache, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}
