package sentinel

import "errors"

// Sentinel errors for infrastructure and run-lifecycle facts. Stores and
// pipeline stages return these (optionally wrapped) so callers can branch on
// the fact without depending on a concrete implementation.
//
// - ErrNotFound: record does not exist in the store
// - ErrConflict: a run for the source is already in flight
// - ErrInvalidState: illegal run-lifecycle transition, e.g. completing a
//   terminal run a second time
// - ErrUnavailable: dependency temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
