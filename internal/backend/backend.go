// Package backend declares the contract a detector uses to ask an
// external search backend for data it cannot derive from its own
// in-memory windows. Query construction, transport, and response parsing
// against any concrete backend (Elasticsearch, OpenSearch, or otherwise)
// are outside this module's scope; callers supply an implementation.
package backend

import (
	"context"
	"time"
)

// TermsResult is one field's worth of terms-aggregation results for a
// time range: the distinct term strings observed and their counts,
// ordered by count descending the way a terms aggregation naturally
// returns them.
type TermsResult struct {
	Field  string
	Terms  []string
	Counts []float64
}

// Backend is the external collaborator a detector queries for data beyond
// its own ingest stream. Currently only NewTerms's construction-time
// backfill needs it: seeding each configured field's existing-terms state
// so that terms already present before the detector started aren't
// reported as new.
type Backend interface {
	// TermsInRange returns the distinct terms (and counts) seen for
	// field within [start, end). A composite field is passed as a
	// comma-joined path the same way event.JoinKey renders one, and the
	// backend is responsible for interpreting it as a composite
	// aggregation.
	TermsInRange(ctx context.Context, field string, start, end time.Time) (TermsResult, error)
}
