package event

import (
	"testing"
	"time"
)

func TestLookupDotted(t *testing.T) {
	e := Event{
		"user": map[string]any{
			"name": "alice",
			"roles": []any{
				map[string]any{"primary": "admin"},
				map[string]any{"secondary": "viewer"},
			},
		},
	}

	if got := Lookup(e, "user.name"); got != "alice" {
		t.Fatalf("user.name = %v, want alice", got)
	}
	if got := Lookup(e, "user.roles.primary"); got != "admin" {
		t.Fatalf("user.roles.primary = %v, want admin", got)
	}
	if got := Lookup(e, "user.missing"); got != nil {
		t.Fatalf("user.missing = %v, want nil", got)
	}
	if got := Lookup(e, "nope.nope"); got != nil {
		t.Fatalf("nope.nope = %v, want nil", got)
	}
}

func TestLookupTime(t *testing.T) {
	e := Event{"@timestamp": "2026-07-29T12:00:00Z"}
	ts, err := LookupTime(e, "")
	if err != nil {
		t.Fatalf("LookupTime: %v", err)
	}
	if !ts.Equal(time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("got %v", ts)
	}

	if _, err := LookupTime(Event{}, "@timestamp"); err == nil {
		t.Fatal("expected error for missing timestamp field")
	}
}

func TestHashableEquality(t *testing.T) {
	a := Hashable(map[string]any{"b": 2, "a": 1})
	b := Hashable(map[string]any{"a": 1, "b": 2})
	if a != b {
		t.Fatalf("maps with same content in different order should hash equal: %v != %v", a, b)
	}

	c := Hashable([]any{"x", "y", "z"})
	d := Hashable([]any{"x", "y", "z"})
	if c != d {
		t.Fatalf("identical sequences should hash equal")
	}
	e := Hashable([]any{"z", "y", "x"})
	if c == e {
		t.Fatalf("sequences are ordered; different order must hash differently")
	}
}

func TestHashableAllComposite(t *testing.T) {
	k1 := HashableAll([]any{"host-1", "cpu"})
	k2 := HashableAll([]any{"host-1", "cpu"})
	k3 := HashableAll([]any{"host-1", "mem"})
	if k1 != k2 {
		t.Fatalf("equal composites should produce equal keys")
	}
	if k1 == k3 {
		t.Fatalf("different composites should produce different keys")
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{"", false},
		{"x", true},
		{0, false},
		{1, true},
		{0.0, false},
		{false, false},
		{true, true},
	}
	for _, c := range cases {
		if got := Truthy(c.v); got != c.want {
			t.Errorf("Truthy(%#v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestIsPlaceholder(t *testing.T) {
	if IsPlaceholder(Event{}) {
		t.Fatal("empty event should not be a placeholder")
	}
	if !IsPlaceholder(Event{PlaceholderField: true}) {
		t.Fatal("expected placeholder event to be recognized")
	}
}
