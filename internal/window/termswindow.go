package window

import (
	"time"
)

// termBucket is one timestamped add() call: the set of terms observed and
// their per-term counts at that instant, kept so resize() can subtract
// counts back out once the bucket ages past term_window_size.
type termBucket struct {
	ts     time.Time
	terms  []string
	counts []float64
}

// TermsWindow tracks which terms have been seen within a rolling
// term_window_size, and promotes a term to "new" only once candidate
// observations of it accumulate past threshold within threshold_window_size.
// One TermsWindow exists per configured NewTerms field (or per composite
// field tuple).
type TermsWindow struct {
	termWindowSize    time.Duration
	threshold         float64
	thresholdWindow   time.Duration
	buckets           []termBucket
	existingTerms     map[string]bool
	countDict         map[string]float64
	potentialNewTerms map[string]*EventWindow
}

// NewTermsWindow constructs an empty TermsWindow. threshold is the minimum
// cumulative candidate count within thresholdWindow before a term is
// promoted from "unseen" to "new" (0 promotes immediately).
func NewTermsWindow(termWindowSize time.Duration, threshold float64, thresholdWindow time.Duration) *TermsWindow {
	return &TermsWindow{
		termWindowSize:    termWindowSize,
		threshold:         threshold,
		thresholdWindow:   thresholdWindow,
		existingTerms:     make(map[string]bool),
		countDict:         make(map[string]float64),
		potentialNewTerms: make(map[string]*EventWindow),
	}
}

// add records terms/counts observed at timestamp into the rolling window,
// then resizes to drop anything older than term_window_size.
func (w *TermsWindow) add(timestamp time.Time, terms []string, counts []float64) {
	for i, term := range terms {
		w.countDict[term] += counts[i]
		w.existingTerms[term] = true
	}
	w.buckets = append(w.buckets, termBucket{ts: timestamp, terms: terms, counts: counts})
	w.resize(time.Time{})
}

// split partitions terms/counts into ones already known to the window
// (existingTerms) and ones never seen before (candidates for promotion),
// after first resizing the window relative to timestamp.
func (w *TermsWindow) split(timestamp time.Time, terms []string, counts []float64) (seenTerms []string, seenCounts []float64, unseenTerms []string, unseenCounts []float64) {
	w.resize(timestamp.Add(-w.termWindowSize))
	for i, term := range terms {
		if w.existingTerms[term] {
			seenTerms = append(seenTerms, term)
			seenCounts = append(seenCounts, counts[i])
		} else {
			unseenTerms = append(unseenTerms, term)
			unseenCounts = append(unseenCounts, counts[i])
		}
	}
	return
}

// updatePotentialNewTermWindows accumulates candidate-term observations
// into per-term EventWindows spanning thresholdWindow, so a term must
// appear consistently (not just once) before being promoted.
func (w *TermsWindow) updatePotentialNewTermWindows(timestamp time.Time, unseenTerms []string, unseenCounts []float64) {
	for i, term := range unseenTerms {
		win, ok := w.potentialNewTerms[term]
		if !ok {
			win = New(w.thresholdWindow, nil)
			w.potentialNewTerms[term] = win
		}
		win.Append(timestamp, unseenCounts[i], false)
	}
}

// extractNewTerms promotes any candidate term whose accumulated count
// within thresholdWindow has reached threshold, removing it from the
// candidate set so it isn't re-promoted.
func (w *TermsWindow) extractNewTerms(potentialTerms []string, potentialCounts []float64) (newTerms []string, newCounts []float64) {
	for i, term := range potentialTerms {
		win, ok := w.potentialNewTerms[term]
		if !ok {
			continue
		}
		if win.Count() >= w.threshold {
			newTerms = append(newTerms, term)
			newCounts = append(newCounts, potentialCounts[i])
			delete(w.potentialNewTerms, term)
		}
	}
	return
}

// GetNewTerms is the entry point: given terms/counts observed at
// timestamp, returns the subset that just crossed the new-term threshold
// for the first time, and folds all observed terms into the rolling
// window for future comparisons.
func (w *TermsWindow) GetNewTerms(timestamp time.Time, terms []string, counts []float64) (newTerms []string, newCounts []float64) {
	seenTerms, seenCounts, unseenTerms, unseenCounts := w.split(timestamp, terms, counts)
	w.updatePotentialNewTermWindows(timestamp, unseenTerms, unseenCounts)
	newTerms, newCounts = w.extractNewTerms(unseenTerms, unseenCounts)

	allTerms := append(append([]string{}, seenTerms...), newTerms...)
	allCounts := append(append([]float64{}, seenCounts...), newCounts...)
	w.add(timestamp, allTerms, allCounts)
	return newTerms, newCounts
}

// resize drops any bucket older than till (defaulting to the newest
// bucket's timestamp minus term_window_size), subtracting its counts back
// out of countDict and forgetting any term whose count reaches zero.
func (w *TermsWindow) resize(till time.Time) {
	if len(w.buckets) == 0 {
		return
	}
	if till.IsZero() {
		till = w.buckets[len(w.buckets)-1].ts.Add(-w.termWindowSize)
	}
	n := 0
	for n < len(w.buckets) && w.buckets[n].ts.Before(till) {
		bucket := w.buckets[n]
		for i, term := range bucket.terms {
			w.countDict[term] -= bucket.counts[i]
			if w.countDict[term] <= 0 {
				delete(w.countDict, term)
				delete(w.existingTerms, term)
			}
		}
		n++
	}
	if n == 0 {
		return
	}
	remaining := len(w.buckets) - n
	copy(w.buckets, w.buckets[n:])
	w.buckets = w.buckets[:remaining]
}

// KnownTerms returns every term currently within term_window_size, in no
// particular order.
func (w *TermsWindow) KnownTerms() []string {
	terms := make([]string, 0, len(w.existingTerms))
	for term := range w.existingTerms {
		terms = append(terms, term)
	}
	return terms
}

// Seed marks terms as already-known without going through the
// threshold-promotion path, used when backfilling existing terms at
// construction time.
func (w *TermsWindow) Seed(timestamp time.Time, terms []string, counts []float64) {
	w.add(timestamp, terms, counts)
}
