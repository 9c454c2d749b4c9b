package detect

import (
	"time"

	"github.com/alertforge/watchtower/internal/event"
	"github.com/alertforge/watchtower/internal/window"
)

func init() {
	Register("frequency", newFrequencyDetector)
}

// frequencyDetector matches when num_events occur for the same key within
// timeframe.
type frequencyDetector struct {
	baseDetector
	occurrences map[string]*window.EventWindow
	lastEvent   map[string]event.Event
	// related holds the raw events currently inside each key's window, in
	// append order, kept only when attach_related is set so a match can
	// carry the events leading up to it as related_events.
	related map[string][]event.Event
}

func newFrequencyDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.NumEvents <= 0 {
		return nil, NewConfigurationError(cfg.ID, "frequency detector requires num_events > 0")
	}
	if cfg.Timeframe <= 0 {
		return nil, NewConfigurationError(cfg.ID, "frequency detector requires timeframe > 0")
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &frequencyDetector{
		baseDetector: base,
		occurrences:  make(map[string]*window.EventWindow),
		lastEvent:    make(map[string]event.Event),
		related:      make(map[string][]event.Event),
	}, nil
}

func (d *frequencyDetector) windowFor(key string) *window.EventWindow {
	w, ok := d.occurrences[key]
	if !ok {
		var onEvict func(ts time.Time, count float64, placeholder bool)
		if d.cfg.AttachRelated {
			onEvict = func(time.Time, float64, bool) {
				if rel := d.related[key]; len(rel) > 0 {
					d.related[key] = rel[1:]
				}
			}
		}
		w = window.New(d.cfg.Timeframe, onEvict)
		d.occurrences[key] = w
	}
	return w
}

// checkForMatch fires a match once a key's window has accumulated
// num_events; on match the key's window is dropped so repeated triggers
// require re-accumulation.
func (d *frequencyDetector) checkForMatch(key string) {
	w, ok := d.occurrences[key]
	if !ok || w.Count() < float64(d.cfg.NumEvents) {
		return
	}
	last := d.lastEvent[key]
	if last != nil {
		match := Match(last)
		if d.cfg.AttachRelated {
			if rel := d.related[key]; len(rel) > 1 {
				match["related_events"] = rel[:len(rel)-1]
			}
		}
		d.addMatch(match)
	}
	delete(d.occurrences, key)
	delete(d.lastEvent, key)
	delete(d.related, key)
}

func (d *frequencyDetector) IngestEvents(events []event.Event) error {
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
		if d.cfg.AttachRelated {
			d.related[key] = append(d.related[key], e)
		}
		d.windowFor(key).Append(ts, 1, false)
		d.lastEvent[key] = e
		d.checkForMatch(key)
	}
	return nil
}

func (d *frequencyDetector) keyFor(e event.Event) string {
	if d.cfg.QueryKey == "" {
		return "all"
	}
	return event.Hashable(event.Lookup(e, d.cfg.QueryKey)).String()
}

// IngestCounts supports pre-aggregated counting, keying everything under
// "all" since count buckets have no per-term breakdown.
func (d *frequencyDetector) IngestCounts(buckets []CountBucket) error {
	for _, b := range buckets {
		d.windowFor("all").Append(b.EndTime, b.Count, false)
		d.lastEvent["all"] = event.Event{d.effectiveTSField(): b.EndTime}
		d.checkForMatch("all")
	}
	return nil
}

// IngestTerms supports pre-aggregated terms buckets. In nested_query_key
// mode the bucket tree is flattened into a comma-joined composite key
// before windowing each leaf.
func (d *frequencyDetector) IngestTerms(byTimestamp map[time.Time][]TermBucket) error {
	for ts, buckets := range byTimestamp {
		for _, b := range buckets {
			d.addTermBucket(ts, b, "")
		}
	}
	return nil
}

func (d *frequencyDetector) addTermBucket(ts time.Time, b TermBucket, prefix string) {
	key := b.Term
	if prefix != "" {
		key = event.JoinKey([]string{prefix, b.Term})
	}
	if d.cfg.NestedQueryKey != "" && len(b.Buckets) > 0 {
		for _, sub := range b.Buckets {
			d.addTermBucket(ts, sub, key)
		}
		return
	}
	d.windowFor(key).Append(ts, b.Count, false)
	d.lastEvent[key] = event.Event{
		d.effectiveTSField():      ts,
		d.cfg.effectiveQueryKey(): key,
	}
	d.checkForMatch(key)
}

func (d *frequencyDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}

// GarbageCollect drops any key whose window has fully aged out.
func (d *frequencyDetector) GarbageCollect(now time.Time) error {
	for key, w := range d.occurrences {
		newest, ok := w.NewestTimestamp()
		if !ok || now.Sub(newest) > d.cfg.Timeframe {
			delete(d.occurrences, key)
			delete(d.lastEvent, key)
			delete(d.related, key)
		}
	}
	return nil
}

func (d *frequencyDetector) FormatMatch(m Match) string {
	end := d.matchTS(m)
	start := end.Add(-d.cfg.Timeframe)
	return "At least " + itoa(d.cfg.NumEvents) + " events occurred between " +
		d.prettyTS(start) + " and " + d.prettyTS(end) + "\n"
}
