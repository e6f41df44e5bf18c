// Package jobs runs the periodic back-office tasks.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Backend is the slice of the service the jobs drive.
type Backend interface {
	RefreshStats(ctx context.Context) (*domain.Stats, error)
	LowStock(ctx context.Context, threshold decimal.Decimal) ([]domain.Product, error)
}

type Config struct {
	StatsSpec         string
	LowStockSpec      string
	LowStockThreshold decimal.Decimal
	Timeout           time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	backend Backend
	cfg     Config
}

func New(backend Backend, cfg Config) (*Scheduler, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithParser(cronParser)),
		backend: backend,
		cfg:     cfg,
	}
	if cfg.StatsSpec != "" {
		if _, err := s.cron.AddFunc(cfg.StatsSpec, s.WarmStats); err != nil {
			return nil, fmt.Errorf("stats job %q: %w", cfg.StatsSpec, err)
		}
	}
	if cfg.LowStockSpec != "" {
		if _, err := s.cron.AddFunc(cfg.LowStockSpec, s.ReportLowStock); err != nil {
			return nil, fmt.Errorf("low stock job %q: %w", cfg.LowStockSpec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("job scheduler started")
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Msg("job scheduler stop timed out")
	}
}

// WarmStats recomputes the dashboard stats and stores them in the cache.
func (s *Scheduler) WarmStats() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	stats, err := s.backend.RefreshStats(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", "stats").Msg("stats warm-up failed")
		return
	}
	log.Debug().Str("job", "stats").Int("sales_count", stats.SalesCount).Msg("stats cache warmed")
}

// ReportLowStock logs each stocked product at or below the threshold.
func (s *Scheduler) ReportLowStock() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	products, err := s.backend.LowStock(ctx, s.cfg.LowStockThreshold)
	if err != nil {
		log.Error().Err(err).Str("job", "low_stock").Msg("low stock scan failed")
		return
	}
	for _, p := range products {
		log.Warn().
			Str("job", "low_stock").
			Str("product_id", p.ID).
			Str("product", p.Name).
			Str("quantity", p.Quantity.String()).
			Str("unit", p.Unit).
			Msg("product running low")
	}
	log.Info().Str("job", "low_stock").Int("count", len(products)).Msg("low stock scan finished")
}
