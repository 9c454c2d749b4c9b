package detect

import (
	"testing"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func flatTS(sec int) time.Time {
	return time.Date(2026, 7, 29, 0, 0, sec, 0, time.UTC)
}

// TestFlatlineScenario covers the canonical flatline case (threshold=5,
// timeframe=60s, one event then a GC past the timeframe produces a
// match): a sub-threshold count of events within the timeframe leaves the
// window below threshold once the timeframe has elapsed since the first
// sighting, and GC is what notices it.
func TestFlatlineScenario(t *testing.T) {
	d, err := Build(Config{
		ID:        "flat1",
		Type:      "flatline",
		Threshold: 5,
		Timeframe: 60 * time.Second,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e := event.Event{"@timestamp": flatTS(0).Format(time.RFC3339)}
	if err := d.IngestEvents([]event.Event{e}); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match before timeframe elapses, got %d", got)
	}

	if err := d.GarbageCollect(flatTS(30)); err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match before the timeframe has elapsed since first sighting, got %d", got)
	}

	if err := d.GarbageCollect(flatTS(120)); err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match once the timeframe has elapsed with count below threshold, got %d", len(matches))
	}
	if count, ok := matches[0]["count"].(float64); !ok || count >= 5 {
		t.Fatalf("count = %v, want a value below threshold 5", matches[0]["count"])
	}
}

func TestFlatlineDetectorNoMatchAboveThreshold(t *testing.T) {
	d, err := Build(Config{
		ID:        "flat2",
		Type:      "flatline",
		Threshold: 2,
		Timeframe: 10 * time.Second,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// A steady stream of one event per second keeps the 10s window's
	// count comfortably above threshold at every GC tick.
	for sec := 0; sec <= 30; sec++ {
		if err := d.IngestEvents([]event.Event{{"@timestamp": flatTS(sec).Format(time.RFC3339)}}); err != nil {
			t.Fatalf("IngestEvents: %v", err)
		}
		if err := d.GarbageCollect(flatTS(sec)); err != nil {
			t.Fatalf("GarbageCollect: %v", err)
		}
	}
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match when count stays above threshold throughout, got %d", got)
	}
}

func TestFlatlineDetectorForgetKeysDropsKeyOnMatch(t *testing.T) {
	d, err := Build(Config{
		ID:         "flat3",
		Type:       "flatline",
		Threshold:  5,
		Timeframe:  10 * time.Second,
		QueryKey:   "host",
		ForgetKeys: true,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_ = d.IngestEvents([]event.Event{{"host": "h1", "@timestamp": flatTS(0).Format(time.RFC3339)}})
	if err := d.GarbageCollect(flatTS(11)); err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if got := len(d.DrainMatches()); got != 1 {
		t.Fatalf("expected 1 match, got %d", got)
	}

	fd := d.(*flatlineDetector)
	if _, ok := fd.firstEvent["h1"]; ok {
		t.Fatal("expected forget_keys to drop the key's first_event tracking on match")
	}
}

func TestFlatlineRequiresThresholdAndTimeframe(t *testing.T) {
	if _, err := Build(Config{ID: "flat-bad", Type: "flatline", Timeframe: time.Second}, Deps{}); err == nil {
		t.Fatal("expected error for missing threshold")
	}
	if _, err := Build(Config{ID: "flat-bad2", Type: "flatline", Threshold: 1}, Deps{}); err == nil {
		t.Fatal("expected error for missing timeframe")
	}
}
