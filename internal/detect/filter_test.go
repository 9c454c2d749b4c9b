package detect

import (
	"errors"
	"testing"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func TestFilterGatesEvents(t *testing.T) {
	d, err := Build(Config{
		ID:     "any-filtered",
		Type:   "any",
		Filter: `event.severity == "high"`,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	_ = d.IngestEvents([]event.Event{
		{"@timestamp": ts, "severity": "low"},
		{"@timestamp": ts, "severity": "high"},
	})
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected only the high-severity event to pass the filter, got %d matches", len(matches))
	}
	if matches[0]["severity"] != "high" {
		t.Fatalf("wrong event passed the filter: %v", matches[0])
	}
}

func TestFilterCompileErrorIsConfigurationError(t *testing.T) {
	_, err := Build(Config{
		ID:     "any-badfilter",
		Type:   "any",
		Filter: `event.severity ==`,
	}, Deps{})
	if err == nil {
		t.Fatal("expected compile error for malformed filter expression")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
}
