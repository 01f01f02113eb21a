package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"trustcheck/internal/domain"
	"trustcheck/pkg/platform/sentinel"
	"trustcheck/pkg/platform/tx"
)

// PostgresStore persists the pipeline in PostgreSQL through lib/pq. Writes
// look for a transaction in the context (see pkg/platform/tx) so a whole run
// commits atomically.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) exec(ctx context.Context) execer {
	if t, ok := tx.From(ctx); ok {
		return t
	}
	return s.db
}

func (s *PostgresStore) LatestEntities(ctx context.Context, source domain.Source) ([]domain.CanonicalEntity, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
		SELECT uid, name, entity_type, programs, aliases, addresses,
		       dates_of_birth, places_of_birth, nationalities, remarks,
		       content_hash, last_seen
		FROM sanctioned_entities
		WHERE source = $1
		ORDER BY uid`, string(source))
	if err != nil {
		return nil, fmt.Errorf("query entities for %s: %w", source, err)
	}
	defer rows.Close()

	var out []domain.CanonicalEntity
	for rows.Next() {
		var e domain.CanonicalEntity
		var entityType string
		var addresses []string
		if err := rows.Scan(
			&e.UID, &e.Name, &entityType,
			pq.Array(&e.Programs), pq.Array(&e.Aliases), pq.Array(&addresses),
			pq.Array(&e.DatesOfBirth), pq.Array(&e.PlacesOfBirth), pq.Array(&e.Nationalities),
			&e.Remarks, &e.ContentHash, &e.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Type = domain.EntityType(entityType)
		e.Source = source
		e.Addresses = decodeAddresses(addresses)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceEntities(ctx context.Context, source domain.Source, entities []domain.CanonicalEntity) error {
	ex := s.exec(ctx)
	if _, err := ex.ExecContext(ctx, `DELETE FROM sanctioned_entities WHERE source = $1`, string(source)); err != nil {
		return fmt.Errorf("clear entities for %s: %w", source, err)
	}
	for _, e := range entities {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO sanctioned_entities (
				uid, source, name, entity_type, programs, aliases, addresses,
				dates_of_birth, places_of_birth, nationalities, remarks,
				content_hash, last_seen
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			e.UID, string(source), e.Name, string(e.Type),
			pq.Array(e.Programs), pq.Array(e.Aliases), pq.Array(e.AddressStrings()),
			pq.Array(e.DatesOfBirth), pq.Array(e.PlacesOfBirth), pq.Array(e.Nationalities),
			e.Remarks, e.ContentHash, e.LastSeen,
		)
		if err != nil {
			return fmt.Errorf("insert entity %s: %w", e.UID, err)
		}
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, source domain.Source) (*domain.ContentSnapshot, error) {
	var snap domain.ContentSnapshot
	err := s.exec(ctx).QueryRowContext(ctx, `
		SELECT source, content_hash, size_bytes, captured_at, run_id, COALESCE(archive_url, '')
		FROM content_snapshots
		WHERE source = $1
		ORDER BY captured_at DESC
		LIMIT 1`, string(source)).Scan(
		&snap.Source, &snap.ContentHash, &snap.SizeBytes, &snap.CapturedAt, &snap.RunID, &snap.ArchiveURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot for %s: %w", source, err)
	}
	return &snap, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap domain.ContentSnapshot) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
		INSERT INTO content_snapshots (source, content_hash, size_bytes, captured_at, run_id, archive_url)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''))`,
		string(snap.Source), snap.ContentHash, snap.SizeBytes, snap.CapturedAt, snap.RunID, snap.ArchiveURL)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.Source, err)
	}
	return nil
}

func (s *PostgresStore) AppendChangeEvents(ctx context.Context, events []domain.ChangeEvent) error {
	ex := s.exec(ctx)
	for _, ev := range events {
		fieldChanges, err := encodeFieldChanges(ev.FieldChanges)
		if err != nil {
			return fmt.Errorf("encode field changes for %s: %w", ev.EventID, err)
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO change_events (
				event_id, entity_uid, entity_name, source, change_type, risk_level,
				field_changes, summary, old_content_hash, new_content_hash,
				detected_at, run_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),NULLIF($10,''),$11,$12)`,
			ev.EventID, ev.EntityUID, ev.EntityName, string(ev.Source),
			string(ev.Type), string(ev.Risk), fieldChanges, ev.Summary,
			ev.OldContentHash, ev.NewContentHash, ev.DetectedAt, ev.RunID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("append event %s: %w", ev.EventID, sentinel.ErrConflict)
			}
			return fmt.Errorf("append event %s: %w", ev.EventID, err)
		}
	}
	return nil
}

func (s *PostgresStore) MarkNotified(ctx context.Context, eventID string, notifiedAt time.Time, channels []string) error {
	res, err := s.exec(ctx).ExecContext(ctx, `
		UPDATE change_events SET notified_at = $2, channels = $3 WHERE event_id = $1`,
		eventID, notifiedAt, pq.Array(channels))
	if err != nil {
		return fmt.Errorf("mark notified %s: %w", eventID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark notified %s: %w", eventID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) EventsForRun(ctx context.Context, runID string) ([]domain.ChangeEvent, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
		SELECT event_id, entity_uid, entity_name, source, change_type, risk_level,
		       field_changes, summary, COALESCE(old_content_hash, ''),
		       COALESCE(new_content_hash, ''), detected_at, run_id, notified_at, channels
		FROM change_events
		WHERE run_id = $1
		ORDER BY event_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.ChangeEvent
	for rows.Next() {
		ev, err := scanChangeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertRun(ctx context.Context, run domain.ScraperRun) error {
	existing, err := s.GetRun(ctx, run.RunID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status.Terminal() {
		return fmt.Errorf("update run %s in %s: %w", run.RunID, existing.Status, sentinel.ErrInvalidState)
	}

	_, err = s.exec(ctx).ExecContext(ctx, `
		INSERT INTO scraper_runs (
			run_id, source, source_url, started_at, completed_at, status,
			entities_processed, entities_added, entities_modified, entities_removed,
			records_skipped, critical_count, high_count, medium_count, low_count,
			download_ms, parse_ms, diff_ms, store_ms,
			content_hash, size_bytes, error_message, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NULLIF($20,''),$21,NULLIF($22,''),$23)
		ON CONFLICT (run_id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			status = EXCLUDED.status,
			entities_processed = EXCLUDED.entities_processed,
			entities_added = EXCLUDED.entities_added,
			entities_modified = EXCLUDED.entities_modified,
			entities_removed = EXCLUDED.entities_removed,
			records_skipped = EXCLUDED.records_skipped,
			critical_count = EXCLUDED.critical_count,
			high_count = EXCLUDED.high_count,
			medium_count = EXCLUDED.medium_count,
			low_count = EXCLUDED.low_count,
			download_ms = EXCLUDED.download_ms,
			parse_ms = EXCLUDED.parse_ms,
			diff_ms = EXCLUDED.diff_ms,
			store_ms = EXCLUDED.store_ms,
			content_hash = EXCLUDED.content_hash,
			size_bytes = EXCLUDED.size_bytes,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count`,
		run.RunID, string(run.Source), run.SourceURL, run.StartedAt, run.CompletedAt, string(run.Status),
		run.Metrics.Processed, run.Metrics.Added, run.Metrics.Modified, run.Metrics.Removed,
		run.Metrics.SkippedRecords, run.Metrics.Critical, run.Metrics.High, run.Metrics.Medium, run.Metrics.Low,
		run.Metrics.Timings.DownloadMS, run.Metrics.Timings.ParseMS, run.Metrics.Timings.DiffMS, run.Metrics.Timings.StoreMS,
		run.ContentHash, run.SizeBytes, run.ErrorMessage, run.RetryCount)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.ScraperRun, error) {
	row := s.exec(ctx).QueryRowContext(ctx, runSelect+` WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

func (s *PostgresStore) RunningRun(ctx context.Context, source domain.Source) (*domain.ScraperRun, error) {
	row := s.exec(ctx).QueryRowContext(ctx,
		runSelect+` WHERE source = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		string(source), string(domain.RunRunning))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query running run for %s: %w", source, err)
	}
	return run, nil
}

func (s *PostgresStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]domain.ScraperRun, error) {
	rows, err := s.exec(ctx).QueryContext(ctx,
		runSelect+` WHERE status = $1 AND started_at < $2 ORDER BY started_at`,
		string(domain.RunRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) RecentRuns(ctx context.Context, source domain.Source, limit int) ([]domain.ScraperRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.exec(ctx).QueryContext(ctx,
		runSelect+` WHERE source = $1 ORDER BY started_at DESC LIMIT $2`,
		string(source), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs for %s: %w", source, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Transact opens a transaction, stores it in the context, and commits or
// rolls back around fn.
func (s *PostgresStore) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx.WithTx(ctx, dbTx)); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
