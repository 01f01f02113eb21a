// Package scheduler triggers pipeline runs on per-tier intervals and runs
// the stale-run sweep. It holds no state beyond its tickers; all idempotency
// lives in the orchestrator's lock and the run ledger.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/internal/orchestrator"
	"trustcheck/internal/platform/config"
	"trustcheck/internal/scraper"
	"trustcheck/pkg/platform/sentinel"
)

// Runner is the slice of the orchestrator the scheduler drives.
type Runner interface {
	RunSource(ctx context.Context, source domain.Source, force bool) (*domain.ScraperRun, error)
	Sweep(ctx context.Context, maxLifetime time.Duration) (int, error)
}

// Scheduler fires tier-1 sources on the short interval and tier-2 on the
// long one. A trigger that collides with an active run is logged and skipped.
type Scheduler struct {
	runner   Runner
	registry *scraper.Registry
	cfg      config.SchedulerConfig
	runs     config.RunConfig
	logger   *slog.Logger
}

// New builds a Scheduler. logger may be nil.
func New(runner Runner, registry *scraper.Registry, cfg config.SchedulerConfig, runs config.RunConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, registry: registry, cfg: cfg, runs: runs, logger: logger}
}

// Run blocks until ctx is cancelled, triggering sources and sweeping stale
// runs on their configured intervals.
func (s *Scheduler) Run(ctx context.Context) {
	tier1 := time.NewTicker(s.cfg.Tier1Interval)
	tier2 := time.NewTicker(s.cfg.Tier2Interval)
	sweep := time.NewTicker(s.runs.SweepInterval)
	defer tier1.Stop()
	defer tier2.Stop()
	defer sweep.Stop()

	s.logger.Info("scheduler started",
		"tier1_interval", s.cfg.Tier1Interval, "tier2_interval", s.cfg.Tier2Interval,
		"sweep_interval", s.runs.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-tier1.C:
			go s.triggerTier(ctx, scraper.Tier1)
		case <-tier2.C:
			go s.triggerTier(ctx, scraper.Tier2)
		case <-sweep.C:
			if expired, err := s.runner.Sweep(ctx, s.runs.MaxLifetime); err != nil {
				s.logger.Error("stale run sweep failed", "error", err)
			} else if expired > 0 {
				s.logger.Warn("stale run sweep expired runs", "count", expired)
			}
		}
	}
}

// triggerTier runs every source in the tier in parallel and waits for the
// batch. The Run loop launches it in a goroutine so a slow source never
// delays the other tier's tick or the stale-run sweep; overlapping triggers
// collapse into ErrConflict at the orchestrator's per-source lock.
func (s *Scheduler) triggerTier(ctx context.Context, tier scraper.Tier) {
	var wg sync.WaitGroup
	for _, source := range s.registry.SourcesByTier(tier) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.runner.RunSource(ctx, source, false)
			switch {
			case errors.Is(err, sentinel.ErrConflict):
				// Previous run still in flight; the next tick will catch up.
				s.logger.Info("scheduled trigger skipped, run in progress", "source", source)
			case err != nil:
				s.logger.Error("scheduled run failed", "source", source, "error", err)
			default:
				s.logger.Info("scheduled run finished",
					"source", source, "run_id", run.RunID, "status", run.Status)
			}
		}()
	}
	wg.Wait()
}

var _ Runner = (*orchestrator.Orchestrator)(nil)
