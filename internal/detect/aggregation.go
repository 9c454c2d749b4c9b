package detect

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alertforge/watchtower/internal/event"
)

func init() {
	Register("metric_aggregation", newMetricDetector)
	Register("spike_metric_aggregation", newSpikeMetricDetector)
	Register("percentage_match", newPercentageDetector)
	Register("error_rate", newErrorRateDetector)
	Register("advance_search", newAdvanceSearchDetector)
}

// allowedMetricAggTypes is the set of aggregation types the metric
// detectors accept from a rule config.
var allowedMetricAggTypes = map[string]bool{
	"min": true, "max": true, "avg": true, "sum": true,
	"cardinality": true, "value_count": true, "percentiles": true,
}

// crossedThresholds reports whether value violates cfg's max/min
// threshold.
func crossedThresholds(cfg Config, value float64) bool {
	if cfg.MaxThreshold != nil && value > *cfg.MaxThreshold {
		return true
	}
	if cfg.MinThreshold != nil && value < *cfg.MinThreshold {
		return true
	}
	return false
}

// unwrapAggregation walks a backend aggregation payload depth-first,
// invoking check for every leaf bucket (one without nested Buckets) with
// its accumulated composite key.
func unwrapAggregation(byTimestamp map[time.Time]map[string]AggregationValue, check func(ts time.Time, queryKey string, key string, av AggregationValue)) {
	for ts, values := range byTimestamp {
		for topKey, av := range values {
			walkAggregation(ts, topKey, "", av, check)
		}
	}
}

func walkAggregation(ts time.Time, key, queryKey string, av AggregationValue, check func(ts time.Time, queryKey string, key string, av AggregationValue)) {
	if len(av.Buckets) == 0 {
		check(ts, queryKey, key, av)
		return
	}
	for _, bucket := range av.Buckets {
		nextQueryKey := bucket.Key
		if queryKey != "" {
			nextQueryKey = event.JoinKey([]string{queryKey, bucket.Key})
		}
		walkAggregation(ts, key, nextQueryKey, bucket, check)
	}
}

// --- metric_aggregation -----------------------------------------------

// metricDetector matches when a single aggregated metric crosses
// max/min_threshold.
type metricDetector struct {
	baseDetector
	metricKey string
}

func newMetricDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.MetricAggKey == "" || cfg.MetricAggType == "" {
		return nil, NewConfigurationError(cfg.ID, "metric_aggregation detector requires metric_agg_key and metric_agg_type")
	}
	if !allowedMetricAggTypes[cfg.MetricAggType] {
		return nil, NewConfigurationError(cfg.ID, fmt.Sprintf("unknown metric_agg_type %q", cfg.MetricAggType))
	}
	if cfg.MetricAggType == "percentiles" && cfg.PercentileRange == nil {
		return nil, NewConfigurationError(cfg.ID, "percentile_range is required for percentiles aggregations")
	}
	if cfg.MaxThreshold == nil && cfg.MinThreshold == nil {
		return nil, NewConfigurationError(cfg.ID, "metric_aggregation detector requires max_threshold or min_threshold")
	}
	if err := cfg.validateBucketInterval(); err != nil {
		return nil, err
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &metricDetector{baseDetector: base, metricKey: "metric_" + cfg.MetricAggKey + "_" + cfg.MetricAggType}, nil
}

func (d *metricDetector) IngestEvents(_ []event.Event) error { return ErrNotImplemented }
func (d *metricDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *metricDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }

func (d *metricDetector) IngestAggregation(byTimestamp map[time.Time]map[string]AggregationValue) error {
	if len(d.cfg.CompoundQueryKey) > 0 {
		for ts, values := range byTimestamp {
			for _, av := range values {
				d.checkCompoundMatches(ts, av, nil)
			}
		}
		return nil
	}
	unwrapAggregation(byTimestamp, func(ts time.Time, queryKey, key string, av AggregationValue) {
		if av.Value == nil || !crossedThresholds(d.cfg, *av.Value) {
			return
		}
		match := Match{
			d.effectiveTSField(): ts,
			d.metricKey:          *av.Value,
			"metric_agg_value":   *av.Value,
		}
		if queryKey != "" && d.cfg.QueryKey != "" {
			match[d.cfg.QueryKey] = queryKey
		}
		d.addMatch(match)
	})
	return nil
}

// checkCompoundMatches recurses one nested term-bucket level per
// compound_query_key entry, collecting each level's bucket key; a leaf
// crossing a threshold emits a match carrying every compound component as
// its own field plus the joined composite under query_key.
func (d *metricDetector) checkCompoundMatches(ts time.Time, av AggregationValue, keyValues []string) {
	if len(keyValues) < len(d.cfg.CompoundQueryKey) {
		for _, bucket := range av.Buckets {
			d.checkCompoundMatches(ts, bucket, append(append([]string{}, keyValues...), bucket.Key))
		}
		return
	}
	if av.Value == nil || !crossedThresholds(d.cfg, *av.Value) {
		return
	}
	match := Match{
		d.effectiveTSField(): ts,
		d.metricKey:          *av.Value,
		"metric_agg_value":   *av.Value,
	}
	for i, field := range d.cfg.CompoundQueryKey {
		match[field] = keyValues[i]
	}
	if d.cfg.QueryKey != "" {
		match[d.cfg.QueryKey] = event.JoinKey(keyValues)
	}
	d.addMatch(match)
}

func (d *metricDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *metricDetector) FormatMatch(m Match) string {
	value, _ := m[d.metricKey].(float64)
	rendered := strconv.FormatFloat(value, 'g', -1, 64)
	if d.cfg.MetricFormatString != "" {
		rendered = fmt.Sprintf(d.cfg.MetricFormatString, value)
	}
	return fmt.Sprintf("Threshold violation, %s:%s %s (min: %s max: %s)\n",
		d.cfg.MetricAggType, d.cfg.MetricAggKey, rendered,
		formatThreshold(d.cfg.MinThreshold), formatThreshold(d.cfg.MaxThreshold))
}

func formatThreshold(t *float64) string {
	if t == nil {
		return "None"
	}
	return strconv.FormatFloat(*t, 'g', -1, 64)
}

// --- spike_metric_aggregation -------------------------------------------

// spikeMetricDetector unwraps aggregation buckets and feeds each
// (event, metric value, query key) triple straight into spikeDetector's
// event handler, so warm-up gating, cooldowns, and the eviction wiring
// between the two windows all behave exactly as they do for raw-event
// spikes.
type spikeMetricDetector struct {
	*spikeDetector
}

func newSpikeMetricDetector(cfg Config, deps Deps) (Detector, error) {
	if cfg.MetricAggKey == "" || cfg.MetricAggType == "" {
		return nil, NewConfigurationError(cfg.ID, "spike_metric_aggregation detector requires metric_agg_key and metric_agg_type")
	}
	if cfg.BucketInterval > 0 {
		return nil, NewConfigurationError(cfg.ID, "bucket_interval is not supported by spike_metric_aggregation")
	}
	inner, err := newSpikeDetector(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &spikeMetricDetector{spikeDetector: inner.(*spikeDetector)}, nil
}

func (d *spikeMetricDetector) IngestEvents(_ []event.Event) error { return ErrNotImplemented }
func (d *spikeMetricDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *spikeMetricDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }

func (d *spikeMetricDetector) IngestAggregation(byTimestamp map[time.Time]map[string]AggregationValue) error {
	unwrapAggregation(byTimestamp, func(ts time.Time, queryKey, key string, av AggregationValue) {
		if av.Value == nil {
			return
		}
		trackerKey := queryKey
		if trackerKey == "" {
			trackerKey = "all"
		}
		e := event.Event{d.effectiveTSField(): ts}
		if queryKey != "" && d.cfg.QueryKey != "" {
			e[d.cfg.QueryKey] = queryKey
		}
		d.handleEvent(e, *av.Value, trackerKey, ts, false)
	})
	return nil
}

func (d *spikeMetricDetector) FormatMatch(m Match) string {
	return "An abnormal " + d.cfg.MetricAggType + " of " + d.cfg.MetricAggKey + " occurred.\n"
}

// --- percentage_match -----------------------------------------------

// percentageDetector matches when the fraction of events falling into a
// named bucket crosses max/min_percentage.
type percentageDetector struct {
	baseDetector
	minDenominator float64
}

func newPercentageDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.MatchBucketFilter == "" {
		return nil, NewConfigurationError(cfg.ID, "percentage_match detector requires match_bucket_filter")
	}
	if cfg.MaxPercentage == nil && cfg.MinPercentage == nil {
		return nil, NewConfigurationError(cfg.ID, "percentage_match detector requires max_percentage or min_percentage")
	}
	if err := cfg.validateBucketInterval(); err != nil {
		return nil, err
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &percentageDetector{baseDetector: base, minDenominator: cfg.MinDenominator}, nil
}

// crossedPercentage reports whether percentage violates the configured
// max/min_percentage bounds.
func (d *percentageDetector) crossedPercentage(percentage float64) bool {
	if d.cfg.MaxPercentage != nil && percentage > *d.cfg.MaxPercentage {
		return true
	}
	if d.cfg.MinPercentage != nil && percentage < *d.cfg.MinPercentage {
		return true
	}
	return false
}

func (d *percentageDetector) IngestEvents(_ []event.Event) error { return ErrNotImplemented }
func (d *percentageDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *percentageDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }

func (d *percentageDetector) IngestAggregation(byTimestamp map[time.Time]map[string]AggregationValue) error {
	for ts, values := range byTimestamp {
		agg, ok := values["percentage_match_aggs"]
		if !ok {
			continue
		}
		var matchCount, otherCount *float64
		for _, b := range agg.Buckets {
			switch b.Key {
			case "match_bucket":
				matchCount = b.Value
			case "_other_":
				otherCount = b.Value
			}
		}
		if matchCount == nil || otherCount == nil {
			continue
		}
		total := *matchCount + *otherCount
		if total == 0 || total < d.minDenominator {
			continue
		}
		percentage := *matchCount / total * 100
		if !d.crossedPercentage(percentage) {
			continue
		}
		d.addMatch(Match{
			d.effectiveTSField(): ts,
			"percentage":         percentage,
			"denominator":        total,
		})
	}
	return nil
}

func (d *percentageDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *percentageDetector) FormatMatch(m Match) string {
	percentage, _ := m["percentage"].(float64)
	rendered := strconv.FormatFloat(percentage, 'g', -1, 64)
	if d.cfg.PercentageFormatString != "" {
		rendered = fmt.Sprintf(d.cfg.PercentageFormatString, percentage)
	}
	return fmt.Sprintf("Percentage violation, value: %s of %s buckets\n", rendered, d.cfg.MatchBucketFilter)
}

// --- error_rate -----------------------------------------------

// errorRateDetector matches when error_count/total_count (scaled up by the
// configured sampling rate) crosses threshold.
type errorRateDetector struct {
	baseDetector
	sampling       float64
	countAllErrors bool
}

func newErrorRateDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.Threshold <= 0 {
		return nil, NewConfigurationError(cfg.ID, "error_rate detector requires threshold > 0")
	}
	sampling := cfg.Sampling
	if sampling <= 0 {
		sampling = 1
	}
	// count_traces_with_errors counts whole traces instead of every error
	// event; the flag is consumed by the external query builder.
	countAllErrors := cfg.ErrorCalculationMethod != "count_traces_with_errors"
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &errorRateDetector{baseDetector: base, sampling: sampling, countAllErrors: countAllErrors}, nil
}

// CountAllErrors reports whether the backend query should count every
// error event (true) or only distinct traces containing an error (false,
// when error_calculation_method is count_traces_with_errors).
func (d *errorRateDetector) CountAllErrors() bool { return d.countAllErrors }

func (d *errorRateDetector) IngestEvents(_ []event.Event) error { return ErrNotImplemented }
func (d *errorRateDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *errorRateDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }

func (d *errorRateDetector) IngestAggregation(byTimestamp map[time.Time]map[string]AggregationValue) error {
	for ts, values := range byTimestamp {
		errVal, hasErr := values["error_count"]
		totalVal, hasTotal := values["total_count"]
		if !hasErr || !hasTotal || totalVal.Value == nil || errVal.Value == nil {
			continue
		}
		total := *totalVal.Value
		if total <= 0 {
			continue
		}
		rate := *errVal.Value / total / d.sampling * 100
		if rate <= d.cfg.Threshold {
			continue
		}
		d.addMatch(Match{
			d.effectiveTSField(): ts,
			"error_rate":         rate,
		})
	}
	return nil
}

func (d *errorRateDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *errorRateDetector) FormatMatch(m Match) string {
	rate, _ := m["error_rate"].(float64)
	return fmt.Sprintf("Error rate %s%% exceeded the threshold of %s%%\n",
		strconv.FormatFloat(rate, 'g', -1, 64),
		strconv.FormatFloat(d.cfg.Threshold, 'g', -1, 64))
}

// --- advance_search -----------------------------------------------

// advanceSearchDetector recurses through a free-form bucket tree,
// threshold-checking every leaf whose key contains alert_field.
type advanceSearchDetector struct {
	baseDetector
}

func newAdvanceSearchDetector(cfg Config, _ Deps) (Detector, error) {
	if cfg.AlertField == "" {
		return nil, NewConfigurationError(cfg.ID, "advance_search detector requires alert_field")
	}
	if cfg.MaxThreshold == nil && cfg.MinThreshold == nil {
		return nil, NewConfigurationError(cfg.ID, "advance_search detector requires max_threshold or min_threshold")
	}
	base, err := newBaseDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &advanceSearchDetector{baseDetector: base}, nil
}

func (d *advanceSearchDetector) IngestEvents(_ []event.Event) error { return ErrNotImplemented }
func (d *advanceSearchDetector) IngestCounts(_ []CountBucket) error { return ErrNotImplemented }
func (d *advanceSearchDetector) IngestTerms(_ map[time.Time][]TermBucket) error { return ErrNotImplemented }

func (d *advanceSearchDetector) IngestAggregation(byTimestamp map[time.Time]map[string]AggregationValue) error {
	for ts, values := range byTimestamp {
		for topKey, av := range values {
			d.checkMatchesRecursive(ts, topKey, av, "")
		}
	}
	return nil
}

func (d *advanceSearchDetector) checkMatchesRecursive(ts time.Time, key string, av AggregationValue, keyPrefix string) {
	if len(av.Buckets) == 0 {
		if strings.Contains(key, d.cfg.AlertField) && av.Value != nil && crossedThresholds(d.cfg, *av.Value) {
			d.addMatch(Match{
				"key":                key,
				"value":              *av.Value,
				"key_value":          keyPrefix,
				d.effectiveTSField(): ts,
			})
		}
		return
	}
	for _, bucket := range av.Buckets {
		nextPrefix := bucket.Key
		if keyPrefix != "" {
			nextPrefix = keyPrefix + "," + bucket.Key
		}
		d.checkMatchesRecursive(ts, key+","+bucket.Key, bucket, nextPrefix)
	}
}

func (d *advanceSearchDetector) GarbageCollect(_ time.Time) error { return nil }

func (d *advanceSearchDetector) FormatMatch(m Match) string {
	return "Advanced search threshold violation.\n"
}
