// Package engine wires a set of configured detectors together: it builds
// them from rule configs, dispatches ingested data to the addressed
// detector, runs garbage collection concurrently across all of them, and
// drains accumulated matches for the caller's scheduler loop to deliver.
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alertforge/watchtower/internal/detect"
	"github.com/alertforge/watchtower/internal/event"
	"github.com/alertforge/watchtower/internal/logutil"
)

// Engine holds every configured detector, keyed by rule ID.
type Engine struct {
	detectors map[string]detect.Detector
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{detectors: make(map[string]detect.Detector)}
}

// LoadConfigs builds and registers a Detector for every config, in order.
// A ConfigurationError from any one config aborts the whole load: a typo
// in one rule file should not silently start the engine short a detector.
func (e *Engine) LoadConfigs(cfgs []detect.Config, deps detect.Deps) error {
	built := make(map[string]detect.Detector, len(cfgs))
	for _, cfg := range cfgs {
		d, err := detect.Build(cfg, deps)
		if err != nil {
			return err
		}
		built[cfg.ID] = d
	}
	e.detectors = built
	return nil
}

// IngestEvents feeds raw events to the detector registered under id; an
// unknown id is a no-op. A detect.ErrNotImplemented from that detector is
// ignored (that's an expected, not exceptional, outcome); any other error
// is logged at Warn with the rule ID and returned as is.
func (e *Engine) IngestEvents(id string, events []event.Event) error {
	d, ok := e.detectors[id]
	if !ok {
		return nil
	}
	if err := d.IngestEvents(events); err != nil && err != detect.ErrNotImplemented {
		logutil.Warn("rule %s: ingest_events error: %v", id, err)
		return err
	}
	return nil
}

// IngestCounts feeds pre-aggregated count buckets to the named detector.
func (e *Engine) IngestCounts(id string, buckets []detect.CountBucket) error {
	d, ok := e.detectors[id]
	if !ok {
		return nil
	}
	if err := d.IngestCounts(buckets); err != nil && err != detect.ErrNotImplemented {
		logutil.Warn("rule %s: ingest_counts error: %v", id, err)
		return err
	}
	return nil
}

// IngestTerms feeds pre-aggregated terms buckets to the named detector.
func (e *Engine) IngestTerms(id string, byTimestamp map[time.Time][]detect.TermBucket) error {
	d, ok := e.detectors[id]
	if !ok {
		return nil
	}
	if err := d.IngestTerms(byTimestamp); err != nil && err != detect.ErrNotImplemented {
		logutil.Warn("rule %s: ingest_terms error: %v", id, err)
		return err
	}
	return nil
}

// IngestAggregation feeds a backend aggregation response to the named
// detector.
func (e *Engine) IngestAggregation(id string, byTimestamp map[time.Time]map[string]detect.AggregationValue) error {
	d, ok := e.detectors[id]
	if !ok {
		return nil
	}
	if err := d.IngestAggregation(byTimestamp); err != nil && err != detect.ErrNotImplemented {
		logutil.Warn("rule %s: ingest_aggregation error: %v", id, err)
		return err
	}
	return nil
}

// GarbageCollect advances every detector's notion of "now" concurrently.
// Concurrency is safe here because each detector owns its own state and
// none touch a shared data structure.
func (e *Engine) GarbageCollect(ctx context.Context, now time.Time) error {
	g, _ := errgroup.WithContext(ctx)
	for id, d := range e.detectors {
		id, d := id, d
		g.Go(func() error {
			if err := d.GarbageCollect(now); err != nil {
				logutil.Warn("rule %s: garbage collect error: %v", id, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// DrainMatches collects and clears accumulated matches from every
// detector, returning them grouped by rule ID.
func (e *Engine) DrainMatches() map[string][]detect.Match {
	out := make(map[string][]detect.Match, len(e.detectors))
	for id, d := range e.detectors {
		matches := d.DrainMatches()
		if len(matches) > 0 {
			out[id] = matches
		}
	}
	return out
}

// Detector returns the detector registered under id, if any.
func (e *Engine) Detector(id string) (detect.Detector, bool) {
	d, ok := e.detectors[id]
	return d, ok
}

