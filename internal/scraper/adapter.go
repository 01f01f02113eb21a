// Package scraper defines the per-authority adapter contract and the registry
// the orchestrator resolves adapters from.
package scraper

import (
	"context"
	"fmt"

	"trustcheck/internal/domain"
	"trustcheck/internal/download"
)

// Result is the outcome of parsing one raw payload. Individual malformed
// records are skipped and counted rather than failing the run.
type Result struct {
	Entities       []domain.CanonicalEntity
	SkippedRecords int
}

// Adapter is implemented once per authority. Parse must produce canonical
// entities with ContentHash computed through the shared normalization routine
// so hash comparability holds across adapters.
type Adapter interface {
	Config() download.SourceConfig
	Parse(ctx context.Context, raw []byte) (*Result, error)
}

// ParseError reports structurally invalid input. Format-level errors (the
// source changed its schema, the document does not decode) abort the run;
// record-level problems never surface as errors, they are skipped and counted.
type ParseError struct {
	Source domain.Source
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %s: %s", e.Source, e.Field, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
