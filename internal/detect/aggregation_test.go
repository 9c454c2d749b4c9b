package detect

import (
	"strings"
	"testing"
	"time"
)

func fp(v float64) *float64 { return &v }

func aggAt(ts time.Time, values map[string]AggregationValue) map[time.Time]map[string]AggregationValue {
	return map[time.Time]map[string]AggregationValue{ts: values}
}

func TestMetricAggregationThresholds(t *testing.T) {
	d, err := Build(Config{
		ID:            "metric1",
		Type:          "metric_aggregation",
		MetricAggKey:  "cpu_pct",
		MetricAggType: "avg",
		MaxThreshold:  fp(90),
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	_ = d.IngestAggregation(aggAt(ts, map[string]AggregationValue{
		"metric_cpu_pct_avg": {Value: fp(85)},
	}))
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("85 is under max_threshold 90, expected no match, got %d", got)
	}

	_ = d.IngestAggregation(aggAt(ts, map[string]AggregationValue{
		"metric_cpu_pct_avg": {Value: fp(95)},
	}))
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match for 95 > 90, got %d", len(matches))
	}
	if matches[0]["metric_cpu_pct_avg"] != 95.0 {
		t.Fatalf("match should carry the metric value, got %v", matches[0])
	}
	if summary := d.FormatMatch(matches[0]); !strings.Contains(summary, "avg:cpu_pct") {
		t.Fatalf("unexpected summary %q", summary)
	}
}

func TestMetricAggregationNestedTermBuckets(t *testing.T) {
	d, err := Build(Config{
		ID:            "metric2",
		Type:          "metric_aggregation",
		QueryKey:      "host",
		MetricAggKey:  "latency",
		MetricAggType: "max",
		MaxThreshold:  fp(100),
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	_ = d.IngestAggregation(aggAt(ts, map[string]AggregationValue{
		"metric_latency_max": {Buckets: []AggregationValue{
			{Key: "web-1", Value: fp(50)},
			{Key: "web-2", Value: fp(250)},
		}},
	}))
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (web-2 only), got %d", len(matches))
	}
	if matches[0]["host"] != "web-2" {
		t.Fatalf("match should carry the violating bucket's key, got %v", matches[0])
	}
}

func TestMetricAggregationCompoundQueryKey(t *testing.T) {
	d, err := Build(Config{
		ID:               "metric3",
		Type:             "metric_aggregation",
		QueryKey:         "host_region",
		CompoundQueryKey: []string{"host", "region"},
		MetricAggKey:     "latency",
		MetricAggType:    "max",
		MaxThreshold:     fp(100),
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	_ = d.IngestAggregation(aggAt(ts, map[string]AggregationValue{
		"metric_latency_max": {Buckets: []AggregationValue{
			{Key: "web-1", Buckets: []AggregationValue{
				{Key: "eu", Value: fp(50)},
				{Key: "us", Value: fp(250)},
			}},
			{Key: "web-2", Buckets: []AggregationValue{
				{Key: "eu", Value: fp(60)},
			}},
		}},
	}))
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (web-1/us only), got %d", len(matches))
	}
	if matches[0]["host"] != "web-1" || matches[0]["region"] != "us" {
		t.Fatalf("match should carry each compound component, got %v", matches[0])
	}
	if matches[0]["host_region"] != "web-1,us" {
		t.Fatalf("match should carry the joined composite under query_key, got %v", matches[0]["host_region"])
	}
}

func TestMetricAggregationValidation(t *testing.T) {
	base := Config{
		ID:            "metric-bad",
		Type:          "metric_aggregation",
		MetricAggKey:  "x",
		MetricAggType: "avg",
		MaxThreshold:  fp(1),
	}

	bad := base
	bad.MetricAggType = "median"
	if _, err := Build(bad, Deps{}); err == nil {
		t.Fatal("expected error for unknown metric_agg_type")
	}

	bad = base
	bad.MetricAggType = "percentiles"
	if _, err := Build(bad, Deps{}); err == nil {
		t.Fatal("expected error for percentiles without percentile_range")
	}

	bad = base
	bad.MaxThreshold = nil
	if _, err := Build(bad, Deps{}); err == nil {
		t.Fatal("expected error when neither threshold is set")
	}

	bad = base
	bad.BucketInterval = time.Minute
	bad.BufferTime = 90 * time.Second
	if _, err := Build(bad, Deps{}); err == nil {
		t.Fatal("expected error when buffer_time is not divisible by bucket_interval")
	}

	ok := base
	ok.BucketInterval = time.Minute
	ok.UseRunEveryQuerySize = true
	ok.RunEvery = 5 * time.Minute
	if _, err := Build(ok, Deps{}); err != nil {
		t.Fatalf("run_every divisible by bucket_interval should pass: %v", err)
	}
}

func TestSpikeMetricAggregationRejectsBucketInterval(t *testing.T) {
	_, err := Build(Config{
		ID:             "spikemetric-bad",
		Type:           "spike_metric_aggregation",
		MetricAggKey:   "x",
		MetricAggType:  "avg",
		Timeframe:      time.Minute,
		SpikeHeight:    2,
		SpikeType:      "up",
		BucketInterval: time.Minute,
	}, Deps{})
	if err == nil {
		t.Fatal("expected error: bucket_interval is not supported by spike_metric_aggregation")
	}
}

func TestSpikeMetricAggregationSpikesUp(t *testing.T) {
	d, err := Build(Config{
		ID:            "spikemetric1",
		Type:          "spike_metric_aggregation",
		MetricAggKey:  "requests",
		MetricAggType: "sum",
		Timeframe:     time.Minute,
		SpikeHeight:   3,
		SpikeType:     "up",
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	// Fill the reference window with a steady value, then spike.
	for i := 0; i < 4; i++ {
		_ = d.IngestAggregation(aggAt(start.Add(time.Duration(i)*30*time.Second), map[string]AggregationValue{
			"metric_requests_sum": {Value: fp(10)},
		}))
	}
	d.DrainMatches()
	_ = d.IngestAggregation(aggAt(start.Add(150*time.Second), map[string]AggregationValue{
		"metric_requests_sum": {Value: fp(100)},
	}))
	if got := len(d.DrainMatches()); got != 1 {
		t.Fatalf("expected 1 spike match, got %d", got)
	}
}

func TestPercentageMatch(t *testing.T) {
	d, err := Build(Config{
		ID:                "pct1",
		Type:              "percentage_match",
		MatchBucketFilter: "status:5xx",
		MaxPercentage:     fp(10),
		MinDenominator:    5,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	filters := func(match, other float64) map[string]AggregationValue {
		return map[string]AggregationValue{
			"percentage_match_aggs": {Buckets: []AggregationValue{
				{Key: "match_bucket", Value: fp(match)},
				{Key: "_other_", Value: fp(other)},
			}},
		}
	}

	// Under min_denominator: 1+3=4 < 5, skipped regardless of percentage.
	_ = d.IngestAggregation(aggAt(ts, filters(1, 3)))
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected denominator gate to skip, got %d matches", got)
	}

	// 5/100 = 5% < 10%: no violation.
	_ = d.IngestAggregation(aggAt(ts, filters(5, 95)))
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match at 5%%, got %d", got)
	}

	// 30/100 = 30% > 10%: match.
	_ = d.IngestAggregation(aggAt(ts, filters(30, 70)))
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match at 30%%, got %d", len(matches))
	}
	if matches[0]["percentage"] != 30.0 {
		t.Fatalf("match should carry the percentage, got %v", matches[0])
	}
}

func TestPercentageMatchValidation(t *testing.T) {
	if _, err := Build(Config{ID: "pct-bad", Type: "percentage_match", MaxPercentage: fp(10)}, Deps{}); err == nil {
		t.Fatal("expected error for missing match_bucket_filter")
	}
	if _, err := Build(Config{ID: "pct-bad2", Type: "percentage_match", MatchBucketFilter: "x"}, Deps{}); err == nil {
		t.Fatal("expected error when neither percentage bound is set")
	}
}

func TestErrorRate(t *testing.T) {
	d, err := Build(Config{
		ID:        "err1",
		Type:      "error_rate",
		Threshold: 5,
		Sampling:  0.5,
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	counts := func(errs, total float64) map[string]AggregationValue {
		return map[string]AggregationValue{
			"error_count": {Value: fp(errs)},
			"total_count": {Value: fp(total)},
		}
	}

	// (1/100)/0.5*100 = 2% <= 5%: no match.
	_ = d.IngestAggregation(aggAt(ts, counts(1, 100)))
	if got := len(d.DrainMatches()); got != 0 {
		t.Fatalf("expected no match at 2%%, got %d", got)
	}

	// (4/100)/0.5*100 = 8% > 5%: match, scaled up by the sampling rate.
	_ = d.IngestAggregation(aggAt(ts, counts(4, 100)))
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match at 8%%, got %d", len(matches))
	}
	if matches[0]["error_rate"] != 8.0 {
		t.Fatalf("match should carry the sampled-up rate, got %v", matches[0])
	}
}

func TestErrorRateCalculationMethodFlag(t *testing.T) {
	d, err := Build(Config{
		ID:                     "err2",
		Type:                   "error_rate",
		Threshold:              5,
		ErrorCalculationMethod: "count_traces_with_errors",
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.(*errorRateDetector).CountAllErrors() {
		t.Fatal("count_traces_with_errors should clear the count-all-errors flag")
	}
}

func TestAdvanceSearchRecursesBucketTree(t *testing.T) {
	d, err := Build(Config{
		ID:           "adv1",
		Type:         "advance_search",
		AlertField:   "error_total",
		MaxThreshold: fp(10),
	}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	_ = d.IngestAggregation(aggAt(ts, map[string]AggregationValue{
		"error_total": {Buckets: []AggregationValue{
			{Key: "svc-a", Buckets: []AggregationValue{
				{Key: "eu", Value: fp(3)},
				{Key: "us", Value: fp(42)},
			}},
			{Key: "svc-b", Value: fp(7)},
		}},
	}))
	matches := d.DrainMatches()
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (svc-a/us only), got %d", len(matches))
	}
	if matches[0]["value"] != 42.0 {
		t.Fatalf("match should carry the violating leaf value, got %v", matches[0])
	}
	kv, _ := matches[0]["key_value"].(string)
	if !strings.Contains(kv, "us") {
		t.Fatalf("key_value should carry the bucket path, got %q", kv)
	}
}
