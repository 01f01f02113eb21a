// Package ledger owns the run lifecycle: one record per scrape attempt,
// single active run per source, terminal states immutable, and a liveness
// sweep for runs orphaned by a crash.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/internal/store"
	"trustcheck/pkg/platform/sentinel"
)

// Ledger records runs against the repository.
type Ledger struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Ledger. logger may be nil.
func New(repo store.Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger, now: time.Now}
}

// SetClock overrides the time source, pinning run IDs in tests.
func (l *Ledger) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Begin opens a run for the source. It returns sentinel.ErrConflict when the
// source already has an active run; the caller surfaces that as "already in
// progress" rather than queueing.
func (l *Ledger) Begin(ctx context.Context, source domain.Source, sourceURL string) (*domain.ScraperRun, error) {
	active, err := l.repo.RunningRun(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("check active run for %s: %w", source, err)
	}
	if active != nil {
		return nil, fmt.Errorf("run %s still active for %s: %w", active.RunID, source, sentinel.ErrConflict)
	}

	startedAt := l.now()
	run := &domain.ScraperRun{
		RunID:     domain.NewRunID(source, startedAt),
		Source:    source,
		SourceURL: sourceURL,
		StartedAt: startedAt,
		Status:    domain.RunRunning,
	}
	if err := l.repo.UpsertRun(ctx, *run); err != nil {
		return nil, fmt.Errorf("begin run %s: %w", run.RunID, err)
	}
	l.logger.Info("run started", "run_id", run.RunID, "source", source)
	return run, nil
}

// Complete moves a run to a terminal status with its final metrics. Completing
// an already-terminal run returns sentinel.ErrInvalidState from the store.
func (l *Ledger) Complete(ctx context.Context, run *domain.ScraperRun, status domain.RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run %s with non-terminal status %s: %w",
			run.RunID, status, sentinel.ErrInvalidState)
	}
	completedAt := l.now()
	run.CompletedAt = &completedAt
	run.Status = status
	if err := l.repo.UpsertRun(ctx, *run); err != nil {
		return fmt.Errorf("complete run %s: %w", run.RunID, err)
	}
	l.logger.Info("run completed",
		"run_id", run.RunID, "source", run.Source, "status", status,
		"processed", run.Metrics.Processed, "added", run.Metrics.Added,
		"modified", run.Metrics.Modified, "removed", run.Metrics.Removed)
	return nil
}

// RecordSnapshot writes the content snapshot for a run's raw payload.
func (l *Ledger) RecordSnapshot(ctx context.Context, run *domain.ScraperRun, hash string, sizeBytes int64) error {
	snap := domain.ContentSnapshot{
		Source:      run.Source,
		ContentHash: hash,
		SizeBytes:   sizeBytes,
		CapturedAt:  l.now(),
		RunID:       run.RunID,
	}
	if err := l.repo.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("record snapshot for %s: %w", run.RunID, err)
	}
	run.ContentHash = hash
	run.SizeBytes = sizeBytes
	return nil
}

// ExpireStale fails every run that has been RUNNING longer than maxLifetime.
// A run that outlives its deadline belongs to a crashed process; failing it
// releases the source for the next trigger.
func (l *Ledger) ExpireStale(ctx context.Context, maxLifetime time.Duration) (int, error) {
	cutoff := l.now().Add(-maxLifetime)
	stale, err := l.repo.StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	expired := 0
	for _, run := range stale {
		completedAt := l.now()
		run.CompletedAt = &completedAt
		run.Status = domain.RunFailed
		run.ErrorMessage = fmt.Sprintf("expired after exceeding max lifetime %s", maxLifetime)
		if err := l.repo.UpsertRun(ctx, run); err != nil {
			l.logger.Error("could not expire stale run", "run_id", run.RunID, "error", err)
			continue
		}
		l.logger.Warn("expired stale run", "run_id", run.RunID, "source", run.Source, "started_at", run.StartedAt)
		expired++
	}
	return expired, nil
}
