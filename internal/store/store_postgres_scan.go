package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"trustcheck/internal/domain"
)

const runSelect = `
	SELECT run_id, source, source_url, started_at, completed_at, status,
	       entities_processed, entities_added, entities_modified, entities_removed,
	       records_skipped, critical_count, high_count, medium_count, low_count,
	       download_ms, parse_ms, diff_ms, store_ms,
	       COALESCE(content_hash, ''), size_bytes, COALESCE(error_message, ''), retry_count
	FROM scraper_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.ScraperRun, error) {
	var run domain.ScraperRun
	var source, status string
	if err := row.Scan(
		&run.RunID, &source, &run.SourceURL, &run.StartedAt, &run.CompletedAt, &status,
		&run.Metrics.Processed, &run.Metrics.Added, &run.Metrics.Modified, &run.Metrics.Removed,
		&run.Metrics.SkippedRecords, &run.Metrics.Critical, &run.Metrics.High, &run.Metrics.Medium, &run.Metrics.Low,
		&run.Metrics.Timings.DownloadMS, &run.Metrics.Timings.ParseMS, &run.Metrics.Timings.DiffMS, &run.Metrics.Timings.StoreMS,
		&run.ContentHash, &run.SizeBytes, &run.ErrorMessage, &run.RetryCount,
	); err != nil {
		return nil, err
	}
	run.Source = domain.Source(source)
	run.Status = domain.RunStatus(status)
	return &run, nil
}

func collectRuns(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]domain.ScraperRun, error) {
	var out []domain.ScraperRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanChangeEvent(row rowScanner) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	var source, changeType, riskLevel string
	var fieldChanges []byte
	var channels []string
	if err := row.Scan(
		&ev.EventID, &ev.EntityUID, &ev.EntityName, &source, &changeType, &riskLevel,
		&fieldChanges, &ev.Summary, &ev.OldContentHash, &ev.NewContentHash,
		&ev.DetectedAt, &ev.RunID, &ev.NotifiedAt, pq.Array(&channels),
	); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("scan change event: %w", err)
	}
	ev.Source = domain.Source(source)
	ev.Type = domain.ChangeType(changeType)
	ev.Risk = domain.RiskLevel(riskLevel)
	ev.Channels = channels
	if len(fieldChanges) > 0 {
		if err := json.Unmarshal(fieldChanges, &ev.FieldChanges); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("decode field changes for %s: %w", ev.EventID, err)
		}
	}
	return ev, nil
}

func encodeFieldChanges(changes []domain.FieldChange) ([]byte, error) {
	if len(changes) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(changes)
}

// decodeAddresses reverses Address.String for stored rows. Street and city
// cannot be told apart from a two-part rendering, so the first part maps to
// street and the last to country, matching how they are compared.
func decodeAddresses(rendered []string) []domain.Address {
	if len(rendered) == 0 {
		return nil
	}
	out := make([]domain.Address, 0, len(rendered))
	for _, r := range rendered {
		parts := strings.Split(r, ", ")
		var a domain.Address
		switch len(parts) {
		case 1:
			a.Street = parts[0]
		case 2:
			a.Street = parts[0]
			a.Country = parts[1]
		default:
			a.Street = strings.Join(parts[:len(parts)-2], ", ")
			a.City = parts[len(parts)-2]
			a.Country = parts[len(parts)-1]
		}
		out = append(out, a)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
