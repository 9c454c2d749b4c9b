package detect

import (
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

// Match is one emitted detection: the triggering (or synthesized) event
// plus whatever extra fields the detector family adds (spike_count,
// reference_count, new_value, cardinality, ...).
type Match map[string]any

// CountBucket is one pre-aggregated count observation: a window end time
// and the number of events that occurred up to that point.
type CountBucket struct {
	EndTime time.Time
	Count   float64
}

// TermBucket is one pre-aggregated terms observation (one ES terms-agg
// response bucket, generalized): a candidate term string and its count.
// Buckets carries nested sub-buckets for detectors that flatten composite
// key trees (the frequency family's nested_query_key mode).
type TermBucket struct {
	Term    string
	Count   float64
	Buckets []TermBucket
}

// AggregationValue is one leaf metric value from a backend aggregation
// response, optionally nested under Buckets for composite/terms
// sub-aggregations.
type AggregationValue struct {
	Key     string
	Value   *float64
	Buckets []AggregationValue
}

// Detector is the contract every detector family implements. A Detector is
// constructed once per configured rule and then fed a stream of ingest_*
// calls interleaved with periodic GarbageCollect calls; matches accumulate
// internally until DrainMatches is called by the caller's scheduler.
type Detector interface {
	// ID returns the configured rule ID, for logging and error wrapping.
	ID() string

	// IngestEvents feeds raw events. Detectors that only consume
	// pre-aggregated counts/terms/aggregations return ErrNotImplemented.
	IngestEvents(events []event.Event) error

	// IngestCounts feeds pre-aggregated count buckets. Detectors that
	// don't support count ingestion return ErrNotImplemented.
	IngestCounts(buckets []CountBucket) error

	// IngestTerms feeds pre-aggregated terms buckets, keyed by the
	// timestamp of the aggregation window they came from. Detectors that
	// don't support terms ingestion return ErrNotImplemented.
	IngestTerms(byTimestamp map[time.Time][]TermBucket) error

	// IngestAggregation feeds a backend aggregation response, keyed by
	// the timestamp of the bucket interval it came from. Detectors that
	// don't support aggregation ingestion return ErrNotImplemented.
	IngestAggregation(byTimestamp map[time.Time]map[string]AggregationValue) error

	// GarbageCollect advances the detector's internal notion of "now",
	// evicting window entries that have aged out and re-checking any
	// match condition that depends on elapsed time alone (Flatline,
	// Spike's warm-up timer). Expected to be called periodically by the
	// caller's scheduler even when no new data has arrived.
	GarbageCollect(now time.Time) error

	// DrainMatches returns and clears all matches accumulated since the
	// last drain.
	DrainMatches() []Match

	// FormatMatch renders a human-readable summary of one match.
	FormatMatch(m Match) string
}

// baseDetector holds the fields and matching behavior shared by every
// detector family: the configured ID, a buffer of drained-on-demand
// matches, and timestamp-normalizing match emission.
type baseDetector struct {
	cfg     Config
	matches []Match
	filter  *filterProgram
}

func newBaseDetector(cfg Config) (baseDetector, error) {
	b := baseDetector{cfg: cfg}
	if cfg.Filter != "" {
		prog, err := compileFilter(cfg.Filter)
		if err != nil {
			return b, NewConfigurationError(cfg.ID, err.Error())
		}
		b.filter = prog
	}
	return b, nil
}

func (b *baseDetector) ID() string { return b.cfg.ID }

func (b *baseDetector) effectiveTSField() string {
	return b.cfg.effectiveTimestampField()
}

// prettyTS renders a timestamp for human-readable match summaries,
// honoring use_local_time and custom_pretty_ts_format.
func (b *baseDetector) prettyTS(t time.Time) string {
	if b.cfg.UseLocalTime {
		t = t.Local()
	} else {
		t = t.UTC()
	}
	if b.cfg.CustomPrettyTSFormat != "" {
		return t.Format(b.cfg.CustomPrettyTSFormat)
	}
	return t.Format(time.RFC3339)
}

// matchTS extracts and parses the timestamp field from an emitted match;
// falls back to the zero time if the match carries none (e.g. a purely
// synthetic aggregation match).
func (b *baseDetector) matchTS(m Match) time.Time {
	t, err := event.ParseTimestamp(m[b.effectiveTSField()])
	if err != nil {
		return time.Time{}
	}
	return t
}

// passesFilter evaluates the optional CEL pre-filter against an event. An
// event failing the filter never reaches the detector's own matching
// logic. With no filter configured, everything passes.
func (b *baseDetector) passesFilter(e event.Event) (bool, error) {
	if b.filter == nil {
		return true, nil
	}
	return b.filter.Eval(e)
}

// addMatch normalizes the timestamp field to RFC3339 and copies the match's
// top-level fields into a fresh map before buffering it, so later setting
// or deleting a field of the source event doesn't reach an already-buffered
// match. The copy is shallow: nested maps and slices are shared with the
// source.
func (b *baseDetector) addMatch(m Match) {
	out := make(Match, len(m))
	for k, v := range m {
		out[k] = v
	}
	tsField := b.cfg.effectiveTimestampField()
	if raw, ok := out[tsField]; ok {
		if t, err := event.ParseTimestamp(raw); err == nil {
			out[tsField] = event.FormatTimestamp(t)
		}
	}
	b.matches = append(b.matches, out)
}

func (b *baseDetector) DrainMatches() []Match {
	drained := b.matches
	b.matches = nil
	return drained
}
