package detect

import (
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func init() {
	Register("blacklist", newBlacklistDetector)
	Register("whitelist", newWhitelistDetector)
	Register("any", newAnyDetector)
}

// compareDetector is the shared shape of Blacklist/Whitelist: look up
// compare_key and decide whether the event matches by set membership.
type compareDetector struct {
	baseDetector
	set     map[string]bool
	isBlack bool // true for blacklist (match=present), false for whitelist (match=absent)
}

func newBlacklistDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.CompareKey == "" {
		return nil, NewConfigurationError(cfg.ID, "blacklist detector requires compare_key")
	}
	if len(cfg.Blacklist) == 0 {
		return nil, NewConfigurationError(cfg.ID, "blacklist detector requires a non-empty blacklist")
	}
	set, err := expandEntries(cfg.Blacklist)
	if err != nil {
		return nil, NewConfigurationError(cfg.ID, err.Error())
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &compareDetector{baseDetector: base, set: set, isBlack: true}, nil
}

func newWhitelistDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.CompareKey == "" {
		return nil, NewConfigurationError(cfg.ID, "whitelist detector requires compare_key")
	}
	if len(cfg.Whitelist) == 0 {
		return nil, NewConfigurationError(cfg.ID, "whitelist detector requires a non-empty whitelist")
	}
	set, err := expandEntries(cfg.Whitelist)
	if err != nil {
		return nil, NewConfigurationError(cfg.ID, err.Error())
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &compareDetector{baseDetector: base, set: set, isBlack: false}, nil
}

// compare reports whether e is a match: for blacklist, the compare_key
// value is present in the set; for whitelist, it's absent (treating a nil
// lookup per ignore_null).
func (d *compareDetector) compare(e event.Event) bool {
	term := event.Lookup(e, d.cfg.CompareKey)
	if d.isBlack {
		if term == nil {
			return false
		}
		return d.set[event.ToString(term)]
	}
	if term == nil {
		return !d.cfg.IgnoreNull
	}
	return !d.set[event.ToString(term)]
}

func (d *compareDetector) IngestEvents(events []event.Event) error {
	for _, e := range events {
		pass, err := d.passesFilter(e)
		if err != nil {
			return NewDataError(d.cfg.ID, err.Error())
		}
		if !pass {
			continue
		}
		if d.compare(e) {
			d.addMatch(Match(e))
		}
	}
	return nil
}

func (d *compareDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *compareDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }
func (d *compareDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}
func (d *compareDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *compareDetector) FormatMatch(m Match) string {
	if d.isBlack {
		return d.cfg.CompareKey + " matched a value in the configured blacklist.\n"
	}
	return d.cfg.CompareKey + " is missing from the configured whitelist.\n"
}

// anyDetector matches every ingested event unconditionally.
type anyDetector struct {
	baseDetector
}

func newAnyDetector(cfg Config, _ Deps) (Detector, error) {
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &anyDetector{baseDetector: base}, nil
}

func (d *anyDetector) IngestEvents(events []event.Event) error {
	for _, e := range events {
		pass, err := d.passesFilter(e)
		if err != nil {
			return NewDataError(d.cfg.ID, err.Error())
		}
		if !pass {
			continue
		}
		d.addMatch(Match(e))
	}
	return nil
}

func (d *anyDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *anyDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }
func (d *anyDetector) IngestAggregation(_ map[time.Time]map[string]AggregationValue) error {
	return ErrNotImplemented
}
func (d *anyDetector) GarbageCollect(_ time.Time) error { return nil }
func (d *anyDetector) FormatMatch(m Match) string       { return "Every ingested event matches.\n" }
