package domain

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of one scrape attempt. A run transitions
// Running to exactly one terminal status; terminal states are immutable.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunPartial RunStatus = "PARTIAL"
	RunSkipped RunStatus = "SKIPPED"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunPartial || s == RunSkipped
}

// StageTimings holds per-stage wall-clock durations in milliseconds.
type StageTimings struct {
	DownloadMS int64 `json:"download_ms"`
	ParseMS    int64 `json:"parse_ms"`
	DiffMS     int64 `json:"diff_ms"`
	StoreMS    int64 `json:"store_ms"`
}

// RunMetrics accumulates counts over one run. Partial values are persisted
// when a run fails mid-pipeline.
type RunMetrics struct {
	Processed      int          `json:"entities_processed"`
	Added          int          `json:"entities_added"`
	Modified       int          `json:"entities_modified"`
	Removed        int          `json:"entities_removed"`
	SkippedRecords int          `json:"records_skipped"`
	Critical       int          `json:"critical_count"`
	High           int          `json:"high_count"`
	Medium         int          `json:"medium_count"`
	Low            int          `json:"low_count"`
	Timings        StageTimings `json:"timings"`
}

// TallyRisk increments the per-tier counters from a set of classified events.
func (m *RunMetrics) TallyRisk(events []ChangeEvent) {
	for _, ev := range events {
		switch ev.Risk {
		case RiskCritical:
			m.Critical++
		case RiskHigh:
			m.High++
		case RiskMedium:
			m.Medium++
		case RiskLow:
			m.Low++
		}
	}
}

// ScraperRun is one record per scrape attempt. RunID doubles as the
// idempotency key: it is deterministic over source and start time.
type ScraperRun struct {
	RunID        string
	Source       Source
	SourceURL    string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       RunStatus
	Metrics      RunMetrics
	ContentHash  string
	SizeBytes    int64
	ErrorMessage string
	RetryCount   int
}

// NewRunID derives the deterministic run identifier from source and start
// timestamp. Two triggers in the same second for the same source produce the
// same ID; the orchestrator's per-source lock rejects the second one.
func NewRunID(source Source, startedAt time.Time) string {
	return fmt.Sprintf("%s_%d", source, startedAt.UTC().Unix())
}
