package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/config"
	"dukapos/backend/internal/httpapi"
	"dukapos/backend/internal/jobs"
	"dukapos/backend/internal/logging"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store"
	boltstore "dukapos/backend/internal/store/bolt"
	"dukapos/backend/internal/store/memory"
	pgstore "dukapos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logCloser := logging.Init(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("repository unavailable")
	}

	statsCache := cache.StatsCache(cache.NoopStatsCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStatsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop cache")
		} else {
			statsCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	svc := service.New(repo, statsCache, service.Config{
		Currency:        cfg.Currency,
		StatsTTL:        time.Duration(cfg.StatsCacheTTLSeconds) * time.Second,
		SaleMaxAttempts: cfg.SaleMaxAttempts,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	threshold, err := decimal.NewFromString(cfg.LowStockThreshold)
	if err != nil {
		log.Warn().Str("value", cfg.LowStockThreshold).Msg("invalid LOW_STOCK_THRESHOLD, using 1")
		threshold = decimal.NewFromInt(1)
	}
	scheduler, err := jobs.New(svc, jobs.Config{
		StatsSpec:         cfg.StatsJobSpec,
		LowStockSpec:      cfg.LowStockJobSpec,
		LowStockThreshold: threshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid job schedule")
	}
	scheduler.Start()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	scheduler.Stop(shutdownCtx)

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// openRepository builds the configured store. A configured durable backend
// that cannot be opened is fatal; there is no in-memory fallback.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, []func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("repository: postgres")
		return pg, []func() error{pg.Close}, nil
	case config.BackendBolt:
		db, err := boltstore.Open(cfg.BoltPath, true)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.BoltPath).Msg("repository: bolt")
		return db, []func() error{db.Close}, nil
	case config.BackendMemory:
		log.Info().Msg("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
