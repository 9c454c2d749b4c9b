package detect

import (
	"time"

	"github.com/alertforge/watchtower/internal/event"
	"github.com/alertforge/watchtower/internal/window"
)

func init() {
	Register("flatline", newFlatlineDetector)
}

// flatlineDetector matches when fewer than threshold events occur for a
// key within timeframe, the low-count counterpart to Frequency.
type flatlineDetector struct {
	baseDetector
	occurrences map[string]*window.EventWindow
	firstEvent  map[string]time.Time
}

func newFlatlineDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.Threshold <= 0 {
		return nil, NewConfigurationError(cfg.ID, "flatline detector requires threshold > 0")
	}
	if cfg.Timeframe <= 0 {
		return nil, NewConfigurationError(cfg.ID, "flatline detector requires timeframe > 0")
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &flatlineDetector{
		baseDetector: base,
		occurrences:  make(map[string]*window.EventWindow),
		firstEvent:   make(map[string]time.Time),
	}, nil
}

func (d *flatlineDetector) keyFor(e event.Event) string {
	if d.cfg.QueryKey == "" {
		return "all"
	}
	return event.Hashable(event.Lookup(e, d.cfg.QueryKey)).String()
}

func (d *flatlineDetector) windowFor(key string) *window.EventWindow {
	w, ok := d.occurrences[key]
	if !ok {
		w = window.New(d.cfg.Timeframe, nil)
		d.occurrences[key] = w
	}
	return w
}

func (d *flatlineDetector) IngestEvents(events []event.Event) error {
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
		d.windowFor(key).Append(ts, 1, false)
		if _, seen := d.firstEvent[key]; !seen {
			d.firstEvent[key] = ts
		}
	}
	// Checking for a flatline mid-batch on rising counts would produce
	// false positives, so the real check runs from GarbageCollect once
	// window time has actually advanced.
	return nil
}

func (d *flatlineDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *flatlineDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }
func (d *flatlineDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}

// checkForMatch: once timeframe has elapsed since first_event[key], match
// if the window's count has fallen below threshold, then either reset
// first_event to keep firing while the key stays flat (default) or drop
// the key entirely (forget_keys).
func (d *flatlineDetector) checkForMatch(key string, now time.Time) {
	w, ok := d.occurrences[key]
	if !ok {
		return
	}
	newest, ok := w.NewestTimestamp()
	if !ok {
		newest = now
	}
	first, seen := d.firstEvent[key]
	if !seen {
		d.firstEvent[key] = newest
		first = newest
	}
	if newest.Sub(first) < d.cfg.Timeframe {
		return
	}

	count := w.Count()
	if count >= d.cfg.Threshold {
		return
	}

	match := Match{
		d.effectiveTSField(): event.FormatTimestamp(newest),
		"key":                key,
		"count":              count,
	}
	if d.cfg.QueryKey != "" {
		match[d.cfg.QueryKey] = key
	}
	d.addMatch(match)

	if !d.cfg.ForgetKeys {
		oldest, ok := w.OldestTimestamp()
		timeframeAgo := newest.Add(-d.cfg.Timeframe)
		if ok && oldest.Before(timeframeAgo) {
			d.firstEvent[key] = oldest
		} else {
			d.firstEvent[key] = timeframeAgo
		}
	} else {
		delete(d.firstEvent, key)
		delete(d.occurrences, key)
	}
}

// GarbageCollect appends a zero-count placeholder per known key (or "all"
// if no keys exist yet and no query_key is configured) so the window ages
// forward even without new events, then re-runs the match check.
func (d *flatlineDetector) GarbageCollect(now time.Time) error {
	keys := make([]string, 0, len(d.occurrences))
	for key := range d.occurrences {
		keys = append(keys, key)
	}
	if len(keys) == 0 && d.cfg.QueryKey == "" {
		keys = []string{"all"}
	}
	for _, key := range keys {
		d.windowFor(key).Append(now, 0, true)
		d.checkForMatch(key, now)
	}
	return nil
}

func (d *flatlineDetector) FormatMatch(m Match) string {
	end := d.matchTS(m)
	start := end.Add(-d.cfg.Timeframe)
	count, _ := m["count"].(float64)
	return "An abnormally low number of events occurred around " + d.prettyTS(end) + ".\n" +
		"Between " + d.prettyTS(start) + " and " + d.prettyTS(end) + ", there were less than " +
		itoa(int(d.cfg.Threshold)) + " events (" + itoa(int(count)) + " observed).\n"
}
