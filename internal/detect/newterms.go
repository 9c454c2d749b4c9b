package detect

import (
	"context"
	"strings"
	"time"

	"github.com/alertforge/watchtower/internal/backend"
	"github.com/alertforge/watchtower/internal/event"
	"github.com/alertforge/watchtower/internal/window"
)

func init() {
	Register("new_terms", newNewTermsDetector)
}

const (
	defaultTermsWindowSize = 7 * 24 * time.Hour
	maxTermsWindowSize     = 7 * 24 * time.Hour
	defaultTermsSize       = 500
	maxTermsSize           = 1000
	defaultThresholdWindow = time.Hour
	maxThresholdWindow     = 2 * 24 * time.Hour
	defaultBackfillStep    = time.Hour
	backfillTimeout        = 50 * time.Second
)

// newTermsDetector matches when a field (or composite of fields) takes on
// a value not seen within terms_window_size. When a backend.Backend is
// injected, construction backfills each field's existing-terms state
// through it.
type newTermsDetector struct {
	baseDetector
	fields      []string // one entry per configured field; composite fields are pre-joined with event.JoinKey
	termWindows map[string]*window.TermsWindow
}

func newNewTermsDetector(cfg Config, deps Deps) (Detector, error) {
	fields := cfg.Fields
	if len(fields) == 0 {
		if cfg.QueryKey == "" {
			return nil, NewConfigurationError(cfg.ID, "new_terms detector requires fields or query_key")
		}
		fields = []string{cfg.QueryKey}
	}
	if cfg.UseTermsQuery {
		if len(fields) != 1 || strings.Contains(fields[0], ",") {
			return nil, NewConfigurationError(cfg.ID, "use_terms_query can only be used with a single non-composite field")
		}
		if cfg.QueryKey != fields[0] {
			return nil, NewConfigurationError(cfg.ID, "use_terms_query requires query_key to equal the single configured field")
		}
	}
	if cfg.TermsSize > maxTermsSize {
		return nil, NewConfigurationError(cfg.ID, "terms_size may not exceed "+itoa(maxTermsSize))
	}

	termWindowSize := cfg.TermsWindowSize
	if termWindowSize <= 0 {
		termWindowSize = defaultTermsWindowSize
	}
	if termWindowSize > maxTermsWindowSize {
		termWindowSize = maxTermsWindowSize
	}
	thresholdWindow := cfg.ThresholdWindowSize
	if thresholdWindow <= 0 {
		thresholdWindow = defaultThresholdWindow
	}
	if thresholdWindow > maxThresholdWindow {
		thresholdWindow = maxThresholdWindow
	}

	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	d := &newTermsDetector{
		baseDetector: base,
		fields:       fields,
		termWindows:  make(map[string]*window.TermsWindow),
	}
	for _, field := range fields {
		d.termWindows[field] = window.NewTermsWindow(termWindowSize, cfg.NewTermsThreshold, thresholdWindow)
	}

	if deps.Backend != nil {
		if err := d.backfill(deps.Backend, termWindowSize); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// backfill seeds each field's existing-terms state from the backend so
// terms already present before the detector started aren't reported as
// new. The range is walked in step-sized chunks so each request stays
// small enough for the per-request timeout. A backend error is fatal to
// construction: a rule that can't establish its baseline must not start.
func (d *newTermsDetector) backfill(b backend.Backend, termWindowSize time.Duration) error {
	step := d.cfg.Step
	if step <= 0 {
		step = defaultBackfillStep
	}
	end := time.Now()
	for _, field := range d.fields {
		for chunkStart := end.Add(-termWindowSize); chunkStart.Before(end); chunkStart = chunkStart.Add(step) {
			chunkEnd := chunkStart.Add(step)
			if chunkEnd.After(end) {
				chunkEnd = end
			}
			ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
			result, err := b.TermsInRange(ctx, field, chunkStart, chunkEnd)
			cancel()
			if err != nil {
				return NewBackendError(d.cfg.ID, "new_terms backfill", err)
			}
			d.termWindows[field].Seed(chunkEnd, result.Terms, result.Counts)
		}
	}
	return nil
}

func (d *newTermsDetector) IngestEvents(events []event.Event) error {
	for _, e := range events {
		pass, err := d.passesFilter(e)
		if err != nil {
			return NewDataError(d.cfg.ID, err.Error())
		}
		if !pass {
			continue
		}
		ts, err := event.LookupTime(e, d.cfg.TimestampField)
		if err != nil {
			return NewDataError(d.cfg.ID, err.Error())
		}
		for _, field := range d.fields {
			value := d.lookupTerm(e, field)
			newTerms, newCounts := d.termWindows[field].GetNewTerms(ts, []string{value}, []float64{1})
			if len(newTerms) == 0 {
				continue
			}
			match := Match(e)
			match["field"] = field
			match["new_value"] = newTerms[0]
			match["hits"] = newCounts[0]
			d.addMatch(match)
		}
	}
	return nil
}

// lookupTerm resolves a configured field against an event. A composite
// field (comma-joined dotted paths, the same rendering event.JoinKey and
// the backend contract use) looks up each part and joins the values into
// one tuple key.
func (d *newTermsDetector) lookupTerm(e event.Event, field string) string {
	if !strings.Contains(field, ",") {
		return event.ToString(event.Lookup(e, field))
	}
	parts := strings.Split(field, ",")
	values := make([]string, len(parts))
	for i, part := range parts {
		values[i] = event.ToString(event.Lookup(e, part))
	}
	return event.JoinKey(values)
}

// IngestTerms supports the use_terms_query path: pre-aggregated term
// buckets arrive per configured field already, so they're run straight
// through GetNewTerms without a per-event lookup.
func (d *newTermsDetector) IngestTerms(byTimestamp map[time.Time][]TermBucket) error {
	if len(d.fields) != 1 {
		return NewDataError(d.cfg.ID, "ingest_terms requires a single configured field")
	}
	field := d.fields[0]
	for ts, buckets := range byTimestamp {
		terms := make([]string, len(buckets))
		counts := make([]float64, len(buckets))
		for i, b := range buckets {
			terms[i], counts[i] = b.Term, b.Count
		}
		newTerms, newCounts := d.termWindows[field].GetNewTerms(ts, terms, counts)
		for i, term := range newTerms {
			d.addMatch(Match{
				d.effectiveTSField(): ts,
				"field":              field,
				"new_value":          term,
				"hits":               newCounts[i],
			})
		}
	}
	return nil
}

func (d *newTermsDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *newTermsDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}
func (d *newTermsDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *newTermsDetector) FormatMatch(m Match) string {
	field, _ := m["field"].(string)
	return "A new term " + event.ToString(m["new_value"]) + " was detected in field " + field + "\n"
}
