package detect

import (
	"testing"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func cardTS(sec int) time.Time {
	return time.Date(2026, 7, 29, 0, 0, sec, 0, time.UTC)
}

func cardEvent(ip string, sec int) event.Event {
	return event.Event{"ip": ip, "@timestamp": cardTS(sec).Format(time.RFC3339)}
}

// TestCardinalityMaxMatchesOnceThresholdCrossed covers the canonical
// case: max_cardinality=2, three distinct values within timeframe
// only match once the third distinct value is seen.
func TestCardinalityMaxMatchesOnceThresholdCrossed(t *testing.T) {
	d, err := Build(Config{
		ID:               "card1",
		Type:             "cardinality",
		CardinalityField: "ip",
		MaxCardinality:   2,
		Timeframe:        60 * time.Second,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_ = d.IngestEvents([]event.Event{cardEvent("a", 0)})
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match with 1 distinct value, got %d", got)
	}
	_ = d.IngestEvents([]event.Event{cardEvent("b", 1)})
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match at exactly max_cardinality, got %d", got)
	}
	_ = d.IngestEvents([]event.Event{cardEvent("c", 2)})
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match once cardinality exceeds max, got %d", len(matches))
	}
	if matches[0]["cardinality"] != 3 {
		t.Fatalf("cardinality = %v, want 3", matches[0]["cardinality"])
	}
}

func TestCardinalityMinRequiresTimeframeElapsed(t *testing.T) {
	d, err := Build(Config{
		ID:               "card2",
		Type:             "cardinality",
		CardinalityField: "ip",
		MinCardinality:   2,
		Timeframe:        10 * time.Second,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := d.IngestEvents([]event.Event{cardEvent("a", 0)}); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match before timeframe elapses, got %d", got)
	}

	if err := d.GarbageCollect(cardTS(20)); err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match once timeframe has elapsed with too few distinct values, got %d", len(matches))
	}
}

func TestCardinalityDetectorPerKeyIsolation(t *testing.T) {
	d, err := Build(Config{
		ID:               "card3",
		Type:             "cardinality",
		QueryKey:         "host",
		CardinalityField: "ip",
		MaxCardinality:   1,
		Timeframe:        60 * time.Second,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e1 := event.Event{"host": "h1", "ip": "a", "@timestamp": cardTS(0).Format(time.RFC3339)}
	e2 := event.Event{"host": "h2", "ip": "b", "@timestamp": cardTS(1).Format(time.RFC3339)}
	_ = d.IngestEvents([]event.Event{e1, e2})
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match, each host has only 1 distinct ip, got %d", got)
	}
}

func TestCardinalityRequiresFieldAndThreshold(t *testing.T) {
	if _, err := Build(Config{ID: "card-bad", Type: "cardinality", Timeframe: time.Second}, Deps{}); err == nil {
		t.Fatal("expected error for missing cardinality_field")
	}
	if _, err := Build(Config{ID: "card-bad2", Type: "cardinality", CardinalityField: "ip", Timeframe: time.Second}, Deps{}); err == nil {
		t.Fatal("expected error for missing max/min cardinality")
	}
}
