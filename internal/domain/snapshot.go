package domain

import "time"

// ContentSnapshot is the audit record for one raw downloaded payload. The
// hash here is a digest of the raw bytes, distinct from the entity-level
// content hash; snapshots are used for dedup and audit, never diffed.
type ContentSnapshot struct {
	Source      Source
	ContentHash string
	SizeBytes   int64
	CapturedAt  time.Time
	RunID       string
	ArchiveURL  string
}
