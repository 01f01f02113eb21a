// Package store persists entity snapshots, change events, run records, and
// content snapshots. Two implementations exist: an in-memory store for tests
// and single-process use, and a PostgreSQL store for production.
package store

import (
	"context"
	"time"

	"trustcheck/internal/domain"
)

// Repository is the full persistence surface of the pipeline.
type Repository interface {
	// LatestEntities returns the stored entity set for a source as of its
	// last successful run. Empty on first run.
	LatestEntities(ctx context.Context, source domain.Source) ([]domain.CanonicalEntity, error)
	// ReplaceEntities swaps the stored set for a source with the given one.
	ReplaceEntities(ctx context.Context, source domain.Source, entities []domain.CanonicalEntity) error

	// LatestSnapshot returns the most recent content snapshot for a source,
	// or nil when none exists.
	LatestSnapshot(ctx context.Context, source domain.Source) (*domain.ContentSnapshot, error)
	SaveSnapshot(ctx context.Context, snap domain.ContentSnapshot) error

	// AppendChangeEvents adds events to the append-only trail.
	AppendChangeEvents(ctx context.Context, events []domain.ChangeEvent) error
	// MarkNotified stamps delivery metadata on an event. Delivery bookkeeping
	// is the only permitted mutation of a stored event.
	MarkNotified(ctx context.Context, eventID string, notifiedAt time.Time, channels []string) error
	// EventsForRun returns the events a run produced.
	EventsForRun(ctx context.Context, runID string) ([]domain.ChangeEvent, error)

	// UpsertRun creates or updates a run record. Updating a run that is
	// already terminal returns sentinel.ErrInvalidState.
	UpsertRun(ctx context.Context, run domain.ScraperRun) error
	GetRun(ctx context.Context, runID string) (*domain.ScraperRun, error)
	// RunningRun returns the active run for a source, or nil.
	RunningRun(ctx context.Context, source domain.Source) (*domain.ScraperRun, error)
	// StaleRunning lists runs still marked RUNNING that started before cutoff.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]domain.ScraperRun, error)
	// RecentRuns lists the newest runs for a source, most recent first.
	RecentRuns(ctx context.Context, source domain.Source, limit int) ([]domain.ScraperRun, error)

	// Transact runs fn atomically. Either every write inside fn is visible
	// afterwards or none is.
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
}
