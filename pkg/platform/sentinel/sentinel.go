package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so callers can translate them into
// engine-level decisions.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the ledger
// - ErrDuplicate: correlation id already admitted
// - ErrConflict: compare-and-set lost to a concurrent writer
// - ErrInvalidState: illegal status transition requested
// - ErrUnavailable: backing service temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
