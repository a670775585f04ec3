package store

import "errors"

// Sentinel errors surfaced by the store. Callers match with errors.Is;
// wrapped messages carry the detail (holder pid, schema versions).
var (
	// ErrNotFound indicates an unknown entity ID or a missing store file.
	ErrNotFound = errors.New("not found")

	// ErrLockHeld indicates another live process holds the store lock.
	// Commit fails fast with this rather than waiting.
	ErrLockHeld = errors.New("store lock held")

	// ErrLockStale indicates a dead holder's lock could not be reclaimed
	// (another process won the reclaim race).
	ErrLockStale = errors.New("store lock stale")

	// ErrSchemaMismatch indicates the store file's schema version does
	// not meet the operation's precondition.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)
