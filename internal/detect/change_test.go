package detect

import (
	"testing"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func changeTS(sec int) string {
	return time.Date(2026, 7, 29, 0, 0, sec, 0, time.UTC).Format(time.RFC3339)
}

func TestChangeDetectorMatchesOnValueChange(t *testing.T) {
	d, err := Build(Config{
		ID:                 "chg1",
		Type:               "change",
		QueryKey:           "user",
		CompoundCompareKey: []string{"status"},
		IgnoreNull:         true,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	first := event.Event{"user": "u", "status": "ok", "@timestamp": changeTS(0)}
	second := event.Event{"user": "u", "status": "err", "@timestamp": changeTS(10)}

	if err := d.IngestEvents([]event.Event{first}); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match on first sighting, got %d", got)
	}

	if err := d.IngestEvents([]event.Event{second}); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match on change, got %d", len(matches))
	}
	m := matches[0]
	old, _ := m["old_value"].([]any)
	newV, _ := m["new_value"].([]any)
	if len(old) != 1 || old[0] != "ok" {
		t.Fatalf("old_value = %v, want [ok]", old)
	}
	if len(newV) != 1 || newV[0] != "err" {
		t.Fatalf("new_value = %v, want [err]", newV)
	}
}

func TestChangeDetectorNoMatchWhenUnchanged(t *testing.T) {
	d, err := Build(Config{
		ID:                 "chg2",
		Type:               "change",
		QueryKey:           "user",
		CompoundCompareKey: []string{"status"},
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e1 := event.Event{"user": "u", "status": "ok", "@timestamp": changeTS(0)}
	e2 := event.Event{"user": "u", "status": "ok", "@timestamp": changeTS(5)}
	_ = d.IngestEvents([]event.Event{e1, e2})

	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match when compound_compare_key is unchanged, got %d", got)
	}
}

func TestChangeDetectorIgnoreNullSkipsFalsyValues(t *testing.T) {
	d, err := Build(Config{
		ID:                 "chg3",
		Type:               "change",
		QueryKey:           "user",
		CompoundCompareKey: []string{"status"},
		IgnoreNull:         true,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e1 := event.Event{"user": "u", "status": "ok", "@timestamp": changeTS(0)}
	e2 := event.Event{"user": "u", "status": "", "@timestamp": changeTS(5)}
	_ = d.IngestEvents([]event.Event{e1, e2})

	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match/record for a falsy value under ignore_null, got %d", got)
	}
}

func TestChangeDetectorIgnoreNullStillTracksBooleanFalse(t *testing.T) {
	d, err := Build(Config{
		ID:                 "chg5",
		Type:               "change",
		QueryKey:           "user",
		CompoundCompareKey: []string{"enabled"},
		IgnoreNull:         true,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e1 := event.Event{"user": "u", "enabled": true, "@timestamp": changeTS(0)}
	e2 := event.Event{"user": "u", "enabled": false, "@timestamp": changeTS(5)}
	_ = d.IngestEvents([]event.Event{e1, e2})

	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected a boolean true->false transition to match under ignore_null, got %d", len(matches))
	}
	newV, _ := matches[0]["new_value"].([]any)
	if len(newV) != 1 || newV[0] != false {
		t.Fatalf("new_value = %v, want [false]", newV)
	}
}

func TestChangeDetectorTimeframeGate(t *testing.T) {
	d, err := Build(Config{
		ID:                 "chg4",
		Type:               "change",
		QueryKey:           "user",
		CompoundCompareKey: []string{"status"},
		Timeframe:          5 * time.Second,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	e1 := event.Event{"user": "u", "status": "ok", "@timestamp": changeTS(0)}
	e2 := event.Event{"user": "u", "status": "err", "@timestamp": changeTS(100)}
	_ = d.IngestEvents([]event.Event{e1, e2})

	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected the far-apart change to be suppressed by timeframe, got %d matches", got)
	}
}

func TestChangeDetectorRequiresQueryKeyAndCompareKey(t *testing.T) {
	if _, err := Build(Config{ID: "chg-bad", Type: "change", CompoundCompareKey: []string{"status"}}, Deps{}); err == nil {
		t.Fatal("expected error for missing query_key")
	}
	if _, err := Build(Config{ID: "chg-bad2", Type: "change", QueryKey: "user"}, Deps{}); err == nil {
		t.Fatal("expected error for missing compound_compare_key")
	}
}
