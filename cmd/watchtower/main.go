// Command watchtower runs the rule evaluation core against a fixture
// stream of events, driving it the way a real scheduler would: load rule
// configs, feed ingest calls, periodically garbage-collect, drain and
// print matches. Query construction against a live search backend,
// cluster orchestration of rule runs, and alert delivery are all outside
// this module's scope; this binary exists to exercise the core end to end
// against recorded data, not to replace a scheduler.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alertforge/watchtower/internal/detect"
	"github.com/alertforge/watchtower/internal/engine"
	"github.com/alertforge/watchtower/internal/event"
	"github.com/alertforge/watchtower/internal/logutil"
	"github.com/alertforge/watchtower/internal/rulesconfig"
)

func main() {
	var (
		rulesPath   = flag.String("rules", "", "path to a rules YAML file or directory")
		fixturePath = flag.String("fixture", "", "path to a JSON fixture file of {rule_id, event} records")
		gcInterval  = flag.Duration("gc-interval", 30*time.Second, "how often to run garbage collection across all detectors")
		watch       = flag.Bool("watch", false, "hot-reload rule configs on change")
		verbose     = flag.Bool("verbose", false, "enable verbose logging")
	)
	flag.Parse()

	if *verbose {
		logutil.SetVerbosity(logutil.VerboseLevel)
		logutil.SetTimestamps(true)
	}

	if *rulesPath == "" {
		logutil.Error("-rules is required")
		os.Exit(2)
	}

	cfgs, err := rulesconfig.Load(*rulesPath)
	if err != nil {
		logutil.Error("failed to load rules: %v", err)
		os.Exit(1)
	}

	eng := engine.New()
	if err := eng.LoadConfigs(cfgs, detect.Deps{}); err != nil {
		logutil.Error("failed to build detectors: %v", err)
		os.Exit(1)
	}
	severities := severitiesByRule(cfgs)
	logutil.Success("loaded %d rule(s) from %s", len(cfgs), *rulesPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *watch {
		w, err := rulesconfig.NewWatcher(*rulesPath, time.Second)
		if err != nil {
			logutil.Error("failed to start rules watcher: %v", err)
			os.Exit(1)
		}
		defer w.Close()
		go func() {
			_ = w.Start(ctx, func(cfgs []detect.Config, err error) {
				if err != nil {
					return
				}
				if rebuildErr := eng.LoadConfigs(cfgs, detect.Deps{}); rebuildErr != nil {
					logutil.Error("failed to rebuild detectors after reload: %v", rebuildErr)
					return
				}
				severities = severitiesByRule(cfgs)
			})
		}()
	}

	if *fixturePath != "" {
		if err := replayFixture(eng, *fixturePath); err != nil {
			logutil.Error("failed to replay fixture: %v", err)
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(*gcInterval)
	defer ticker.Stop()

	drainAndPrint(eng, severities)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := eng.GarbageCollect(ctx, now); err != nil {
				logutil.Warn("garbage collection error: %v", err)
			}
			drainAndPrint(eng, severities)
		}
	}
}

// severitiesByRule maps each rule ID to a display severity derived from
// its configured priority (1 highest). Unset priorities read as "info".
func severitiesByRule(cfgs []detect.Config) map[string]string {
	out := make(map[string]string, len(cfgs))
	for _, cfg := range cfgs {
		out[cfg.ID] = severityForPriority(cfg.Priority)
	}
	return out
}

func severityForPriority(priority int) string {
	switch priority {
	case 1:
		return "critical"
	case 2:
		return "high"
	case 3:
		return "medium"
	case 4:
		return "low"
	default:
		return "info"
	}
}

// fixtureRecord is one line of a JSON-per-record fixture file: which rule
// the event is destined for, and the event body itself.
type fixtureRecord struct {
	RuleID string      `json:"rule_id"`
	Event  event.Event `json:"event"`
}

// replayFixture reads newline-delimited JSON records and feeds each one
// through IngestEvents on its named rule; the matches it produces stay
// buffered until the caller drains them after the whole fixture has been
// replayed — the raw-event ingest path is the common case for a
// standalone demo; count/terms/aggregation ingestion is exercised by the
// package tests instead, since those shapes come from a live backend
// response this binary doesn't construct.
func replayFixture(eng *engine.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var rec fixtureRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("decoding fixture record: %w", err)
		}
		if err := eng.IngestEvents(rec.RuleID, []event.Event{rec.Event}); err != nil {
			logutil.Warn("rule %s: %v", rec.RuleID, err)
		}
	}
	return nil
}

func drainAndPrint(eng *engine.Engine, severities map[string]string) {
	for id, matches := range eng.DrainMatches() {
		d, ok := eng.Detector(id)
		severity := severities[id]
		if severity == "" {
			severity = "info"
		}
		for _, m := range matches {
			title := id
			if ok {
				title = d.FormatMatch(m)
			}
			logutil.Signal(id, severity, title, logutil.SignalContext(matchContext(m)))
		}
	}
}

// matchContext renders a match's fields as strings for the verbose
// context line, skipping the placeholder sentinel which never carries
// useful information for a human reader.
func matchContext(m detect.Match) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k == event.PlaceholderField {
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
