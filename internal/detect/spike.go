package detect

import (
	"time"

	"github.com/alertforge/watchtower/internal/event"
	"github.com/alertforge/watchtower/internal/window"
)

func init() {
	Register("spike", newSpikeDetector)
}

// spikeDetector compares a reference window against a current window for
// the same key and matches when their ratio crosses spike_height. The
// reference window is fed by the current window's own eviction callback:
// an entry that ages out of "current" becomes the newest entry in
// "reference", so the two windows together always span 2*timeframe.
type spikeDetector struct {
	baseDetector
	refWindows      map[string]*window.EventWindow
	curWindows      map[string]*window.EventWindow
	firstEventTS    map[string]time.Time
	skipChecksUntil map[string]time.Time
	refWindowFilled bool
}

func newSpikeDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.Timeframe <= 0 {
		return nil, NewConfigurationError(cfg.ID, "spike detector requires timeframe > 0")
	}
	if cfg.SpikeHeight <= 0 {
		return nil, NewConfigurationError(cfg.ID, "spike detector requires spike_height > 0")
	}
	switch cfg.SpikeType {
	case "up", "down", "both":
	default:
		return nil, NewConfigurationError(cfg.ID, "spike detector requires spike_type of up, down, or both")
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &spikeDetector{
		baseDetector:    base,
		refWindows:      make(map[string]*window.EventWindow),
		curWindows:      make(map[string]*window.EventWindow),
		firstEventTS:    make(map[string]time.Time),
		skipChecksUntil: make(map[string]time.Time),
	}, nil
}

func (d *spikeDetector) keyFor(e event.Event) string {
	if d.cfg.QueryKey == "" {
		return "all"
	}
	qk := event.Lookup(e, d.cfg.QueryKey)
	if qk == nil {
		return "other"
	}
	return event.Hashable(qk).String()
}

// windowsFor lazily constructs the ref/cur window pair for key, wiring the
// current window's eviction callback to feed the reference window — the
// central piece of plumbing this detector family exists to demonstrate.
func (d *spikeDetector) windowsFor(key string) (ref, cur *window.EventWindow) {
	ref, ok := d.refWindows[key]
	if !ok {
		ref = window.New(d.cfg.Timeframe, nil)
		d.refWindows[key] = ref
	}
	cur, ok = d.curWindows[key]
	if !ok {
		cur = window.New(d.cfg.Timeframe, func(ts time.Time, count float64, placeholder bool) {
			ref.Append(ts, count, placeholder)
		})
		d.curWindows[key] = cur
	}
	return ref, cur
}

// spikeValues returns the (reference, current) aggregate to compare,
// chosen by metric_agg_type.
func (d *spikeDetector) spikeValues(key string) (float64, float64) {
	ref, cur := d.refWindows[key], d.curWindows[key]
	switch d.cfg.MetricAggType {
	case "avg":
		return ref.Mean(), cur.Mean()
	case "min":
		r, _ := ref.Min()
		c, _ := cur.Min()
		return r, c
	case "max":
		r, _ := ref.Max()
		c, _ := cur.Max()
		return r, c
	default: // "", "sum", "value_count", "cardinality", "percentile"
		return ref.Count(), cur.Count()
	}
}

func (d *spikeDetector) findMatches(ref, cur float64) bool {
	if d.cfg.FieldValue == "" {
		if cur < d.cfg.ThresholdCur || ref < d.cfg.ThresholdRef {
			return false
		}
	} else if ref == 0 || cur == 0 {
		return false
	}

	spikeUp := cur >= ref*d.cfg.SpikeHeight
	spikeDown := cur <= ref/d.cfg.SpikeHeight

	if (d.cfg.SpikeType == "both" || d.cfg.SpikeType == "up") && spikeUp {
		return true
	}
	if (d.cfg.SpikeType == "both" || d.cfg.SpikeType == "down") && spikeDown {
		return true
	}
	return false
}

// handleEvent is the common path for every ingestion method: append count
// to the current window (feeding the reference window via eviction), gate
// on warm-up/cooldown, then check for a spike.
func (d *spikeDetector) handleEvent(e event.Event, count float64, key string, ts time.Time, placeholder bool) {
	if _, ok := d.firstEventTS[key]; !ok {
		d.firstEventTS[key] = ts
	}

	ref, cur := d.windowsFor(key)
	cur.AppendPayload(ts, count, placeholder, e)

	if ts.Sub(d.firstEventTS[key]) < 2*d.cfg.Timeframe {
		if !d.refWindowFilled {
			return
		}
		if !(d.cfg.QueryKey != "" && d.cfg.AlertOnNewData) {
			return
		}
		if until, ok := d.skipChecksUntil[key]; ok && ts.Before(until) {
			return
		}
	} else {
		d.refWindowFilled = true
	}

	var matched bool
	var refVal, curVal float64
	if d.cfg.FieldValue != "" {
		refVal, curVal = ref.Mean(), cur.Mean()
		matched = d.findMatches(refVal, curVal)
	} else {
		refVal, curVal = d.spikeValues(key)
		matched = d.findMatches(refVal, curVal)
	}
	if !matched {
		return
	}

	// The emitted match is the oldest live entry of the current window,
	// skipping placeholders and zero-count entries, not necessarily the
	// event that tipped the ratio.
	matchEvent := e
	if payload, ok := cur.FirstCounted(); ok {
		if ev, ok := payload.(event.Event); ok {
			matchEvent = ev
		}
	}
	match := Match(matchEvent)
	match["spike_count"] = curVal
	match["reference_count"] = refVal
	d.addMatch(match)
	d.clearWindows(key, ts)
}

// clearWindows resets the reference window and suppresses matches for
// this key until it has had time to refill.
func (d *spikeDetector) clearWindows(key string, ts time.Time) {
	if ref, ok := d.refWindows[key]; ok {
		ref.Clear()
	}
	delete(d.firstEventTS, key)
	d.skipChecksUntil[key] = ts.Add(2 * d.cfg.Timeframe)
}

func (d *spikeDetector) IngestEvents(events []event.Event) error {
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
		count := 1.0
		if d.cfg.FieldValue != "" {
			raw := event.Lookup(e, d.cfg.FieldValue)
			if raw == nil {
				continue
			}
			num, ok := toFloat(raw)
			if !ok {
				return NewDataError(d.cfg.ID, "field_value is not numeric")
			}
			count = num
		}
		d.handleEvent(e, count, key, ts, false)
	}
	return nil
}

func (d *spikeDetector) IngestCounts(buckets []CountBucket) error {
	for _, b := range buckets {
		e := event.Event{d.effectiveTSField(): b.EndTime}
		d.handleEvent(e, b.Count, "all", b.EndTime, false)
	}
	return nil
}

func (d *spikeDetector) IngestTerms(byTimestamp map[time.Time][]TermBucket) error {
	for ts, buckets := range byTimestamp {
		for _, b := range buckets {
			e := event.Event{
				d.effectiveTSField():      ts,
				d.cfg.effectiveQueryKey(): b.Term,
			}
			d.handleEvent(e, b.Count, b.Term, ts, false)
		}
	}
	return nil
}

func (d *spikeDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}

// GarbageCollect re-sizes every key's windows according to their newest
// event by feeding a zero-count placeholder, forgetting keys that have
// gone silent in both windows.
func (d *spikeDetector) GarbageCollect(now time.Time) error {
	for key := range d.curWindows {
		if key != "all" && d.refWindows[key].Count() == 0 && d.curWindows[key].Count() == 0 {
			delete(d.curWindows, key)
			delete(d.refWindows, key)
			continue
		}
		e := event.Event{d.effectiveTSField(): now, "placeholder": true}
		if key != "all" && d.cfg.QueryKey != "" {
			e[d.cfg.QueryKey] = key
		}
		d.handleEvent(e, 0, key, now, true)
	}
	return nil
}

func (d *spikeDetector) FormatMatch(m Match) string {
	ts := d.matchTS(m)
	spike, _ := m["spike_count"].(float64)
	ref, _ := m["reference_count"].(float64)
	return "An abnormal number (" + itoa(int(spike)) + ") of events occurred around " +
		d.prettyTS(ts) + ".\nPreceding that time, there were only " + itoa(int(ref)) +
		" events within " + d.cfg.Timeframe.String() + "\n"
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
