package detect

import (
	"math"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func init() {
	Register("cardinality", newCardinalityDetector)
}

// cardinalityDetector matches when the number of distinct values of
// cardinality_field observed for a key, within timeframe, crosses
// max_cardinality (too many) or falls below min_cardinality (too few).
type cardinalityDetector struct {
	baseDetector
	cache      map[string]map[string]time.Time // key -> distinct cardinality_field value -> last-seen ts
	firstEvent map[string]time.Time
	maxCard    float64
	minCard    float64
}

func newCardinalityDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.Timeframe <= 0 {
		return nil, NewConfigurationError(cfg.ID, "cardinality detector requires timeframe > 0")
	}
	if cfg.CardinalityField == "" {
		return nil, NewConfigurationError(cfg.ID, "cardinality detector requires cardinality_field")
	}
	if cfg.MaxCardinality <= 0 && cfg.MinCardinality <= 0 {
		return nil, NewConfigurationError(cfg.ID, "cardinality detector requires max_cardinality or min_cardinality")
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	maxCard := math.Inf(1)
	if cfg.MaxCardinality > 0 {
		maxCard = float64(cfg.MaxCardinality)
	}
	minCard := math.Inf(-1)
	if cfg.MinCardinality > 0 {
		minCard = float64(cfg.MinCardinality)
	}
	return &cardinalityDetector{
		baseDetector: base,
		cache:        make(map[string]map[string]time.Time),
		firstEvent:   make(map[string]time.Time),
		maxCard:      maxCard,
		minCard:      minCard,
	}, nil
}

func (d *cardinalityDetector) keyFor(e event.Event) string {
	if d.cfg.QueryKey == "" {
		return "all"
	}
	return event.Hashable(event.Lookup(e, d.cfg.QueryKey)).String()
}

func (d *cardinalityDetector) IngestEvents(events []event.Event) error {
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
		key := d.keyFor(e)
		if _, ok := d.cache[key]; !ok {
			d.cache[key] = make(map[string]time.Time)
		}
		if _, ok := d.firstEvent[key]; !ok {
			d.firstEvent[key] = ts
		}

		value := event.Lookup(e, d.cfg.CardinalityField)
		if value == nil {
			continue
		}
		d.cache[key][event.Hashable(value).String()] = ts
		d.checkForMatch(key, e, ts, true)
	}
	return nil
}

func (d *cardinalityDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *cardinalityDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }
func (d *cardinalityDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}

// checkForMatch uses a GC-then-retest pattern: a candidate cardinality
// violation first triggers a garbage collection pass (since stale terms
// are only purged there), then is retested once with allowGC=false so it
// can't recurse forever.
func (d *cardinalityDetector) checkForMatch(key string, e event.Event, ts time.Time, allowGC bool) {
	first := d.firstEvent[key]
	timeframeElapsed := ts.Sub(first) > d.cfg.Timeframe
	count := len(d.cache[key])

	violatesMax := float64(count) > d.maxCard
	violatesMin := float64(count) < d.minCard && timeframeElapsed
	if !violatesMax && !violatesMin {
		return
	}

	if allowGC {
		d.garbageCollectKey(key, ts)
		d.checkForMatch(key, e, ts, false)
		return
	}

	delete(d.firstEvent, key)
	match := Match(e)
	match["cardinality"] = count
	d.addMatch(match)
}

func (d *cardinalityDetector) garbageCollectKey(key string, now time.Time) {
	terms := d.cache[key]
	for term, lastSeen := range terms {
		if now.Sub(lastSeen) > d.cfg.Timeframe {
			delete(terms, term)
		}
	}
}

// GarbageCollect ages out stale cardinality_field values for every known
// key, and for min_cardinality rules synthesizes a placeholder event to
// re-check whether the now-smaller distinct set has crossed the minimum.
func (d *cardinalityDetector) GarbageCollect(now time.Time) error {
	for key := range d.cache {
		d.garbageCollectKey(key, now)
		if d.cfg.MinCardinality > 0 {
			placeholder := event.Event{d.effectiveTSField(): now}
			if d.cfg.QueryKey != "" {
				placeholder[d.cfg.QueryKey] = key
			}
			d.checkForMatch(key, placeholder, now, false)
		}
	}
	return nil
}

func (d *cardinalityDetector) FormatMatch(m Match) string {
	end := d.matchTS(m)
	start := end.Add(-d.cfg.Timeframe)
	span := "between " + d.prettyTS(start) + " and " + d.prettyTS(end)
	if d.cfg.MaxCardinality > 0 {
		return "A maximum of " + itoa(d.cfg.MaxCardinality) + " unique " + d.cfg.CardinalityField +
			"(s) occurred " + span + "\n"
	}
	return "Less than " + itoa(d.cfg.MinCardinality) + " unique " + d.cfg.CardinalityField +
		"(s) occurred " + span + "\n"
}
