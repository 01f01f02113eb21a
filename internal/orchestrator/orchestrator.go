// Package orchestrator drives the per-source pipeline: download, dedup,
// parse, diff, classify, persist, notify. Each source runs the same state
// machine under a per-source lock; failures at any stage terminate the run
// with its partial metrics preserved.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"trustcheck/internal/dedup"
	"trustcheck/internal/diff"
	"trustcheck/internal/domain"
	"trustcheck/internal/download"
	"trustcheck/internal/ledger"
	"trustcheck/internal/notify"
	"trustcheck/internal/platform/metrics"
	"trustcheck/internal/risk"
	"trustcheck/internal/scraper"
	"trustcheck/internal/store"
	"trustcheck/pkg/platform/sentinel"
)

// Pipeline stage names, used for spans, metrics labels, and logs.
const (
	StageDownload = "download"
	StageDedup    = "dedup"
	StageParse    = "parse"
	StageDiff     = "diff"
	StageClassify = "classify"
	StageStore    = "store"
	StageNotify   = "notify"
)

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	registry   *scraper.Registry
	downloader *download.Manager
	dedup      *dedup.Deduplicator
	detector   *diff.Detector
	classifier *risk.Classifier
	ledger     *ledger.Ledger
	repo       store.Repository
	dispatcher *notify.Dispatcher
	lock       RunLock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Registry   *scraper.Registry
	Downloader *download.Manager
	Dedup      *dedup.Deduplicator
	Ledger     *ledger.Ledger
	Repo       store.Repository
	Dispatcher *notify.Dispatcher
	Lock       RunLock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// New builds an Orchestrator. Lock defaults to an in-process lock, Logger to
// slog.Default.
func New(deps Deps) *Orchestrator {
	if deps.Lock == nil {
		deps.Lock = NewMemoryLock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		registry:   deps.Registry,
		downloader: deps.Downloader,
		dedup:      deps.Dedup,
		detector:   diff.NewDetector(),
		classifier: risk.NewClassifier(),
		ledger:     deps.Ledger,
		repo:       deps.Repo,
		dispatcher: deps.Dispatcher,
		lock:       deps.Lock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("trustcheck/orchestrator"),
		now:        time.Now,
	}
}

// RunSource executes one full pipeline pass for a source. force bypasses the
// content-hash dedup check but never the per-source lock. The returned run
// reflects the terminal state; err is non-nil when the run failed or could
// not start.
func (o *Orchestrator) RunSource(ctx context.Context, source domain.Source, force bool) (*domain.ScraperRun, error) {
	adapter, ok := o.registry.Get(source)
	if !ok {
		return nil, fmt.Errorf("source %s: %w", source, sentinel.ErrNotFound)
	}

	release, err := o.lock.Acquire(ctx, source)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("source", string(source)), attribute.Bool("force", force)))
	defer span.End()

	cfg := adapter.Config()
	run, err := o.ledger.Begin(ctx, source, cfg.URL)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("run_id", run.RunID))

	status, runErr := o.execute(ctx, run, adapter, cfg, force)
	if cerr := o.ledger.Complete(ctx, run, status); cerr != nil {
		o.logger.Error("could not finalize run", "run_id", run.RunID, "error", cerr)
	}
	o.metrics.RunCompleted(string(source), string(status))
	return run, runErr
}

// execute walks the stages and returns the terminal status. It never writes
// the terminal record itself; RunSource owns completion.
func (o *Orchestrator) execute(ctx context.Context, run *domain.ScraperRun, adapter scraper.Adapter, cfg download.SourceConfig, force bool) (domain.RunStatus, error) {
	source := run.Source

	// Download.
	payload, err := timedStage(ctx, o, run, StageDownload, &run.Metrics.Timings.DownloadMS,
		func(ctx context.Context) (*download.Payload, error) {
			return o.downloader.Fetch(ctx, cfg)
		})
	if err != nil {
		run.ErrorMessage = err.Error()
		return domain.RunFailed, err
	}
	run.RetryCount = payload.Retries

	// Dedup against the last observed payload.
	rawHash := dedup.HashContent(payload.Body)
	if !force {
		skip, _ := o.dedup.ShouldSkip(ctx, source, payload.Body)
		if skip {
			if err := o.ledger.RecordSnapshot(ctx, run, rawHash, int64(len(payload.Body))); err != nil {
				o.logger.Warn("could not record snapshot for skipped run", "run_id", run.RunID, "error", err)
			}
			return domain.RunSkipped, nil
		}
	}

	// Parse.
	parsed, err := timedStage(ctx, o, run, StageParse, &run.Metrics.Timings.ParseMS,
		func(ctx context.Context) (*scraper.Result, error) {
			return adapter.Parse(ctx, payload.Body)
		})
	if err != nil {
		run.ErrorMessage = err.Error()
		return domain.RunFailed, err
	}
	run.Metrics.Processed = len(parsed.Entities)
	run.Metrics.SkippedRecords = parsed.SkippedRecords
	o.metrics.EntitiesObserved(string(source), len(parsed.Entities))

	// Diff against the stored set.
	previous, err := o.repo.LatestEntities(ctx, source)
	if err != nil {
		run.ErrorMessage = err.Error()
		return domain.RunFailed, fmt.Errorf("load previous entities for %s: %w", source, err)
	}
	var events []domain.ChangeEvent
	_, err = timedStage(ctx, o, run, StageDiff, &run.Metrics.Timings.DiffMS,
		func(ctx context.Context) (struct{}, error) {
			events = o.detector.Detect(previous, parsed.Entities, source, run.RunID)
			events = o.classifier.ClassifyAll(events, parsed.Entities)
			return struct{}{}, nil
		})
	if err != nil {
		run.ErrorMessage = err.Error()
		return domain.RunFailed, err
	}
	o.tallyEvents(run, events)

	// Persist entities, events, and the snapshot atomically.
	_, err = timedStage(ctx, o, run, StageStore, &run.Metrics.Timings.StoreMS,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.repo.Transact(ctx, func(ctx context.Context) error {
				if err := o.repo.ReplaceEntities(ctx, source, parsed.Entities); err != nil {
					return err
				}
				if len(events) > 0 {
					if err := o.repo.AppendChangeEvents(ctx, events); err != nil {
						return err
					}
				}
				return o.ledger.RecordSnapshot(ctx, run, rawHash, int64(len(payload.Body)))
			})
		})
	if err != nil {
		run.ErrorMessage = err.Error()
		return domain.RunFailed, fmt.Errorf("persist run %s: %w", run.RunID, err)
	}
	o.dedup.Remember(ctx, source, rawHash)

	// Notify. The data is committed at this point; delivery is handed to the
	// dispatcher, which retries on its own schedule.
	if len(events) > 0 && o.dispatcher != nil {
		o.dispatcher.Enqueue(ctx, events)
	}

	o.logger.Info("pipeline pass complete",
		"run_id", run.RunID, "source", source,
		"processed", run.Metrics.Processed, "added", run.Metrics.Added,
		"modified", run.Metrics.Modified, "removed", run.Metrics.Removed,
		"skipped_records", run.Metrics.SkippedRecords)

	// Record-level skips mean the payload was not fully ingested.
	if run.Metrics.SkippedRecords > 0 {
		return domain.RunPartial, nil
	}
	return domain.RunSuccess, nil
}

func (o *Orchestrator) tallyEvents(run *domain.ScraperRun, events []domain.ChangeEvent) {
	for _, ev := range events {
		switch ev.Type {
		case domain.ChangeAdded:
			run.Metrics.Added++
		case domain.ChangeModified:
			run.Metrics.Modified++
		case domain.ChangeRemoved:
			run.Metrics.Removed++
		}
		o.metrics.EventDetected(string(ev.Source), string(ev.Type), string(ev.Risk))
	}
	run.Metrics.TallyRisk(events)
}

// timedStage wraps one stage with a span, a duration metric, and the run's
// millisecond timing slot.
func timedStage[T any](ctx context.Context, o *Orchestrator, run *domain.ScraperRun, stage string, slot *int64, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+stage)
	defer span.End()

	start := o.now()
	out, err := fn(ctx)
	elapsed := o.now().Sub(start)
	*slot = elapsed.Milliseconds()
	o.metrics.ObserveStage(string(run.Source), stage, elapsed)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// RunAll triggers every registered source concurrently and returns the first
// error, if any. Sources that are already running are skipped, not failed.
func (o *Orchestrator) RunAll(ctx context.Context, force bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range o.registry.Sources() {
		g.Go(func() error {
			_, err := o.RunSource(ctx, source, force)
			if errors.Is(err, sentinel.ErrConflict) {
				o.logger.Info("source already running, skipping", "source", source)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Sweep fails runs that have been RUNNING longer than maxLifetime.
func (o *Orchestrator) Sweep(ctx context.Context, maxLifetime time.Duration) (int, error) {
	return o.ledger.ExpireStale(ctx, maxLifetime)
}

// RunStatus returns the run record for an ID.
func (o *Orchestrator) RunStatus(ctx context.Context, runID string) (*domain.ScraperRun, error) {
	return o.repo.GetRun(ctx, runID)
}

// SourceStatus summarizes a source: registration metadata and recent runs.
type SourceStatus struct {
	Source     domain.Source       `json:"source"`
	Tier       string              `json:"tier"`
	Format     domain.DataFormat   `json:"format"`
	Active     *domain.ScraperRun  `json:"active_run,omitempty"`
	RecentRuns []domain.ScraperRun `json:"recent_runs"`
}

// Status reports a source's registration and run history.
func (o *Orchestrator) Status(ctx context.Context, source domain.Source, limit int) (*SourceStatus, error) {
	meta, ok := o.registry.Meta(source)
	if !ok {
		return nil, fmt.Errorf("source %s: %w", source, sentinel.ErrNotFound)
	}
	active, err := o.repo.RunningRun(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("query active run for %s: %w", source, err)
	}
	recent, err := o.repo.RecentRuns(ctx, source, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs for %s: %w", source, err)
	}
	return &SourceStatus{
		Source: source, Tier: string(meta.Tier), Format: meta.Format,
		Active: active, RecentRuns: recent,
	}, nil
}
