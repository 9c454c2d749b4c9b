package detect

import (
	"strings"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func init() {
	Register("change", newChangeDetector)
}

// changeValues is the most recent observed compound_compare_key values for
// one query_key, plus when they were last observed (for the optional
// timeframe gate).
type changeValues struct {
	values []any
	seenAt time.Time
}

// changeTransition is the most recently detected old/new value transition
// for one query_key, overwritten on every subsequent change. Each match
// copies old_value/new_value out of it at the moment it is emitted, so a
// key that changes several times between drains yields one match per
// change, each carrying its own transition.
type changeTransition struct {
	oldValues []any
	newValues []any
}

// changeDetector matches when compound_compare_key's values differ from
// the last-seen values for the same query_key.
type changeDetector struct {
	baseDetector
	occurrences map[event.Key]changeValues
	changeMap   map[event.Key]changeTransition
}

func newChangeDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.QueryKey == "" {
		return nil, NewConfigurationError(cfg.ID, "change detector requires query_key")
	}
	if len(cfg.CompoundCompareKey) == 0 {
		return nil, NewConfigurationError(cfg.ID, "change detector requires compound_compare_key")
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &changeDetector{
		baseDetector: base,
		occurrences:  make(map[event.Key]changeValues),
		changeMap:    make(map[event.Key]changeTransition),
	}, nil
}

func (d *changeDetector) compare(e event.Event) (bool, event.Key, error) {
	key := event.Hashable(event.Lookup(e, d.cfg.QueryKey))

	values := make([]any, len(d.cfg.CompoundCompareKey))
	for i, field := range d.cfg.CompoundCompareKey {
		values[i] = event.Lookup(e, field)
	}

	if d.cfg.IgnoreNull {
		for _, v := range values {
			// Booleans never count as null, false included.
			if _, ok := v.(bool); ok {
				continue
			}
			if !event.Truthy(v) {
				return false, key, nil
			}
		}
	}

	changed := false
	prior, seen := d.occurrences[key]
	if seen {
		for i, prevValue := range prior.values {
			if !valuesEqual(prevValue, values[i]) {
				changed = true
				break
			}
		}
		if changed {
			d.changeMap[key] = changeTransition{oldValues: prior.values, newValues: values}
			if d.cfg.Timeframe > 0 {
				ts, err := event.LookupTime(e, d.cfg.TimestampField)
				if err != nil {
					return false, key, err
				}
				changed = ts.Sub(prior.seenAt) <= d.cfg.Timeframe
			}
		}
	}

	newEntry := changeValues{values: values}
	if d.cfg.Timeframe > 0 {
		ts, err := event.LookupTime(e, d.cfg.TimestampField)
		if err == nil {
			newEntry.seenAt = ts
		}
	}
	d.occurrences[key] = newEntry

	return changed, key, nil
}

func valuesEqual(a, b any) bool {
	return event.Hashable(a) == event.Hashable(b)
}

func (d *changeDetector) IngestEvents(events []event.Event) error {
	for _, e := range events {
		pass, err := d.passesFilter(e)
		if err != nil {
			return NewDataError(d.cfg.ID, err.Error())
		}
		if !pass {
			continue
		}
		changed, key, err := d.compare(e)
		if err != nil {
			return NewDataError(d.cfg.ID, err.Error())
		}
		if !changed {
			continue
		}
		match := Match(e)
		if transition, ok := d.changeMap[key]; ok {
			match["old_value"] = transition.oldValues
			match["new_value"] = transition.newValues
		}
		d.addMatch(match)
	}
	return nil
}

func (d *changeDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *changeDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }
func (d *changeDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}
func (d *changeDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *changeDetector) FormatMatch(m Match) string {
	return "The value of " + strings.Join(d.cfg.CompoundCompareKey, ", ") + " changed.\n"
}
