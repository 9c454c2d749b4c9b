// Package detect implements the Detector contract and the eight detector
// families: Blacklist/Whitelist/Any, Change, Frequency, Flatline, Spike,
// NewTerms, Cardinality, and the BaseAggregation family (Metric,
// SpikeMetric, Percentage, ErrorRate, AdvanceSearch).
package detect

import (
	"time"
)

// Config is the recognized-option bag every detector constructor reads
// from. Not every field applies to every detector family; each
// constructor validates the subset it needs and returns a
// ConfigurationError for anything missing or contradictory.
type Config struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Name string `yaml:"name"`

	TimestampField string `yaml:"timestamp_field"`
	QueryKey       string `yaml:"query_key"`
	// CompoundQueryKey holds a composite query_key: multiple fields
	// joined into one candidate key.
	CompoundQueryKey []string `yaml:"compound_query_key"`

	// Filter is an optional CEL boolean expression; events for which it
	// evaluates false never reach the detector's own logic.
	Filter string `yaml:"filter"`

	// Compare (Blacklist/Whitelist/Any)
	CompareKey         string   `yaml:"compare_key"`
	CompoundCompareKey []string `yaml:"compound_compare_key"`
	Blacklist          []string `yaml:"blacklist"`
	Whitelist          []string `yaml:"whitelist"`
	IgnoreNull         bool     `yaml:"ignore_null"`

	// Change (also shared by Frequency/Flatline/Spike/Cardinality below).
	// A zero value means "not configured"; ChangeRule's optional timeframe
	// gate is considered active whenever Timeframe > 0.
	Timeframe time.Duration `yaml:"timeframe"`

	// Frequency / Flatline
	NumEvents      int     `yaml:"num_events"`
	Threshold      float64 `yaml:"threshold"`
	ForgetKeys     bool    `yaml:"forget_keys"`
	NestedQueryKey string  `yaml:"nested_query_key"`

	// Spike
	SpikeHeight    float64 `yaml:"spike_height"`
	SpikeType      string  `yaml:"spike_type"` // "up", "down", "both"
	ThresholdRef   float64 `yaml:"threshold_ref"`
	ThresholdCur   float64 `yaml:"threshold_cur"`
	FieldValue     string  `yaml:"field_value"`
	AlertOnNewData bool    `yaml:"alert_on_new_data"`
	MetricAggType  string  `yaml:"metric_agg_type"` // "", "sum", "value_count", "cardinality", "percentile", "avg", "min", "max"

	// NewTerms
	Fields              []string      `yaml:"fields"`
	TermsWindowSize     time.Duration `yaml:"terms_window_size"`
	TermsSize           int           `yaml:"terms_size"`
	NewTermsThreshold   float64       `yaml:"new_terms_threshold"`
	ThresholdWindowSize time.Duration `yaml:"threshold_window_size"`
	UseTermsQuery       bool          `yaml:"use_terms_query"`
	UseKeywordPostfix   bool          `yaml:"use_keyword_postfix"`

	// Cardinality
	CardinalityField     string        `yaml:"cardinality_field"`
	MaxCardinality       int           `yaml:"max_cardinality"`
	MinCardinality       int           `yaml:"min_cardinality"`
	CardinalityTimeframe time.Duration `yaml:"cardinality_timeframe"`

	// BaseAggregation family. BucketInterval, when set, slices the query
	// span into fixed sub-intervals; RunEvery or BufferTime (per
	// UseRunEveryQuerySize) must then be a whole multiple of it.
	BucketInterval       time.Duration `yaml:"bucket_interval"`
	RunEvery             time.Duration `yaml:"run_every"`
	BufferTime           time.Duration `yaml:"buffer_time"`
	UseRunEveryQuerySize bool          `yaml:"use_run_every_query_size"`
	MetricAggKey         string        `yaml:"metric_agg_key"`
	MetricAggScript      string        `yaml:"metric_agg_script"`
	PercentileRange      *float64      `yaml:"percentile_range"`
	MaxThreshold         *float64      `yaml:"max_threshold"`
	MinThreshold         *float64      `yaml:"min_threshold"`
	MetricFormatString   string        `yaml:"metric_format_string"`
	AlertField           string        `yaml:"alert_field"`

	// PercentageMatch
	MaxPercentage          *float64 `yaml:"max_percentage"`
	MinPercentage          *float64 `yaml:"min_percentage"`
	MinDenominator         float64  `yaml:"min_denominator"`
	MatchBucketFilter      string   `yaml:"match_bucket_filter"`
	PercentageFormatString string   `yaml:"percentage_format_string"`

	// ErrorRate
	Sampling               float64 `yaml:"sampling"`
	ErrorCondition         string  `yaml:"error_condition"`
	ErrorCalculationMethod string  `yaml:"error_calculation_method"`
	UniqueColumn           string  `yaml:"unique_column"`

	// Frequency extras
	AttachRelated bool `yaml:"attach_related"`

	// NewTerms backfill chunking
	Step time.Duration `yaml:"step"`

	// Display
	UseLocalTime         bool   `yaml:"use_local_time"`
	CustomPrettyTSFormat string `yaml:"custom_pretty_ts_format"`

	// Descriptive metadata, carried through for downstream consumers
	// (alert delivery, dashboards); no detector branches on these.
	StartDate   string `yaml:"start_date"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Owner       string `yaml:"owner"`
	Priority    int    `yaml:"priority"`
}

// validateBucketInterval enforces the divisibility rule for bucketed
// aggregation queries: the query span (run_every or buffer_time, per
// use_run_every_query_size) must slice into whole bucket_intervals.
func (c Config) validateBucketInterval() error {
	if c.BucketInterval <= 0 {
		return nil
	}
	if c.UseRunEveryQuerySize {
		if c.RunEvery <= 0 || c.RunEvery%c.BucketInterval != 0 {
			return NewConfigurationError(c.ID, "run_every must be evenly divisible by bucket_interval")
		}
		return nil
	}
	if c.BufferTime <= 0 || c.BufferTime%c.BucketInterval != 0 {
		return NewConfigurationError(c.ID, "buffer_time must be evenly divisible by bucket_interval")
	}
	return nil
}

// effectiveTimestampField returns the configured timestamp field, or the
// package default.
func (c Config) effectiveTimestampField() string {
	if c.TimestampField != "" {
		return c.TimestampField
	}
	return "@timestamp"
}

// effectiveQueryKey returns "all" when no query_key is configured, the
// catch-all bucket key for ungrouped rules.
func (c Config) effectiveQueryKey() string {
	if c.QueryKey == "" {
		return "all"
	}
	return c.QueryKey
}
