package pipeline

import "errors"

// Sentinel errors surfaced by pipeline layers. Callers match with
// errors.Is.
var (
	// ErrExtractionFailed indicates the LLM collaborator failed or
	// returned unusable output. The affected source's processed record
	// is left unwritten so the whole source is retried next run.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrCurationConflict indicates an existing dossier document could
	// not be merged safely; curation aborts without writing.
	ErrCurationConflict = errors.New("curation conflict")
)
