// Package window implements the two sliding-window data structures every
// detector is built on: EventWindow (a timestamp-ordered buffer of
// numeric-or-placeholder entries with an O(1) running count; mean, min and
// max scan the retained entries) and
// TermsWindow (a candidate-term promotion window used by NewTerms).
package window

import (
	"time"
)

// entry is one appended observation: a timestamp, a numeric value used for
// running sums (count contribution, or a metric value), whether it's a
// GC-inserted placeholder that must never count toward mean/min/max, and
// an optional caller payload (the originating event) retrievable through
// FirstCounted.
type entry struct {
	ts          time.Time
	count       float64
	placeholder bool
	payload     any
}

// EventWindow is an ascending-by-timestamp buffer spanning at most
// `timeframe`. Appending past the edge evicts expired entries first, firing
// onEvict exactly once per evicted entry before it becomes unreachable.
type EventWindow struct {
	timeframe  time.Duration
	entries    []entry
	runningSum float64 // sum of non-placeholder counts currently retained
	onEvict    func(ts time.Time, count float64, placeholder bool)
}

// New constructs an EventWindow spanning timeframe. onEvict, if non-nil, is
// invoked once for every entry the window evicts, in eviction order.
func New(timeframe time.Duration, onEvict func(ts time.Time, count float64, placeholder bool)) *EventWindow {
	return &EventWindow{timeframe: timeframe, onEvict: onEvict}
}

// Append inserts a new observation in timestamp order and evicts the
// oldest entries while the window's span still reaches timeframe, so
// duration() < timeframe holds after every append (an entry exactly
// timeframe old is evicted, not retained).
func (w *EventWindow) Append(ts time.Time, count float64, placeholder bool) {
	w.AppendPayload(ts, count, placeholder, nil)
}

// AppendPayload is Append carrying an opaque caller payload (typically the
// originating event) that FirstCounted can later retrieve.
func (w *EventWindow) AppendPayload(ts time.Time, count float64, placeholder bool, payload any) {
	w.insertSorted(entry{ts: ts, count: count, placeholder: placeholder, payload: payload})
	if !placeholder {
		w.runningSum += count
	}
	n := 0
	newest := w.newestTimestamp()
	for len(w.entries)-n > 1 && newest.Sub(w.entries[n].ts) >= w.timeframe {
		n++
	}
	w.evictFirst(n)
}

// AppendMiddle inserts an out-of-order observation (e.g. a backfilled
// count bucket) without triggering eviction.
func (w *EventWindow) AppendMiddle(ts time.Time, count float64, placeholder bool) {
	w.insertSorted(entry{ts: ts, count: count, placeholder: placeholder})
	if !placeholder {
		w.runningSum += count
	}
}

func (w *EventWindow) insertSorted(e entry) {
	i := len(w.entries)
	for i > 0 && w.entries[i-1].ts.After(e.ts) {
		i--
	}
	w.entries = append(w.entries, entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
}

func (w *EventWindow) newestTimestamp() time.Time {
	if len(w.entries) == 0 {
		return time.Time{}
	}
	return w.entries[len(w.entries)-1].ts
}

// evictBefore removes every entry with ts strictly before cutoff.
func (w *EventWindow) evictBefore(cutoff time.Time) {
	n := 0
	for n < len(w.entries) && w.entries[n].ts.Before(cutoff) {
		n++
	}
	w.evictFirst(n)
}

// evictFirst removes the oldest n entries, firing onEvict for each in
// ascending (oldest-first) order.
func (w *EventWindow) evictFirst(n int) {
	if n <= 0 {
		return
	}
	for _, e := range w.entries[:n] {
		if !e.placeholder {
			w.runningSum -= e.count
		}
		if w.onEvict != nil {
			w.onEvict(e.ts, e.count, e.placeholder)
		}
	}
	remaining := len(w.entries) - n
	copy(w.entries, w.entries[n:])
	w.entries = w.entries[:remaining]
}

// GarbageCollect advances the window's notion of "now" by appending a
// zero-count placeholder timestamped at now and evicting anything that
// falls out of the timeframe as a result, without otherwise touching
// statistics.
func (w *EventWindow) GarbageCollect(now time.Time) {
	if len(w.entries) == 0 || now.After(w.newestTimestamp()) {
		w.Append(now, 0, true)
		return
	}
	w.evictBefore(now.Add(-w.timeframe))
}

// Count returns the sum of all non-placeholder counts currently in the
// window.
func (w *EventWindow) Count() float64 {
	return w.runningSum
}

// Len returns the number of entries currently retained, placeholders
// included.
func (w *EventWindow) Len() int { return len(w.entries) }

// Duration returns the span between the oldest and newest retained
// timestamps; zero if fewer than two entries.
func (w *EventWindow) Duration() time.Duration {
	if len(w.entries) < 2 {
		return 0
	}
	return w.entries[len(w.entries)-1].ts.Sub(w.entries[0].ts)
}

// Mean returns the arithmetic mean of non-placeholder counts.
func (w *EventWindow) Mean() float64 {
	sum, n := 0.0, 0
	for _, e := range w.entries {
		if e.placeholder {
			continue
		}
		sum += e.count
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Min returns the smallest non-placeholder count, and false if empty.
func (w *EventWindow) Min() (float64, bool) {
	found := false
	min := 0.0
	for _, e := range w.entries {
		if e.placeholder {
			continue
		}
		if !found || e.count < min {
			min, found = e.count, true
		}
	}
	return min, found
}

// Max returns the largest non-placeholder count, and false if empty.
func (w *EventWindow) Max() (float64, bool) {
	found := false
	max := 0.0
	for _, e := range w.entries {
		if e.placeholder {
			continue
		}
		if !found || e.count > max {
			max, found = e.count, true
		}
	}
	return max, found
}

// FirstCounted returns the payload of the oldest retained entry that is
// neither a placeholder nor zero-count. The bool is false when no such
// entry exists.
func (w *EventWindow) FirstCounted() (any, bool) {
	for _, e := range w.entries {
		if !e.placeholder && e.count != 0 {
			return e.payload, true
		}
	}
	return nil, false
}

// OldestTimestamp returns the timestamp of the oldest retained entry. The
// bool is false when the window is empty.
func (w *EventWindow) OldestTimestamp() (time.Time, bool) {
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].ts, true
}

// NewestTimestamp returns the timestamp of the newest retained entry. The
// bool is false when the window is empty.
func (w *EventWindow) NewestTimestamp() (time.Time, bool) {
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.newestTimestamp(), true
}

// Clear resets the window to empty without firing onEvict.
func (w *EventWindow) Clear() {
	w.entries = nil
	w.runningSum = 0
}
