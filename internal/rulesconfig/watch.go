package rulesconfig

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alertforge/watchtower/internal/detect"
	"github.com/alertforge/watchtower/internal/logutil"
)

// Watcher watches a rules file or directory for changes and reloads
// detector configs on a debounce: a raw fsnotify event fires mid-write,
// so a change is only acted on once stabilityWait has passed without any
// further event under the watched path.
type Watcher struct {
	path          string
	stabilityWait time.Duration
	fsw           *fsnotify.Watcher
}

// NewWatcher constructs a Watcher on path (a file or directory), firing a
// reload no sooner than stabilityWait after the last observed change.
func NewWatcher(path string, stabilityWait time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, stabilityWait: stabilityWait, fsw: fsw}, nil
}

// Close releases the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// ReloadFunc is called with the freshly loaded configs after a debounced
// change, or with a non-nil error if the reload failed (the previously
// loaded configs remain in effect; the caller decides whether to keep
// running).
type ReloadFunc func([]detect.Config, error)

// Start blocks, watching for filesystem events under the watched path and
// invoking onReload after each debounced batch of changes, until ctx is
// canceled or the watcher is closed. Watcher errors are logged at Warn and
// watching continues. Mirrors the spool watcher's
// event-loop-plus-debounce-timer shape, generalized from "decode and
// archive a spool file" to "reload and replace the rule set."
func (w *Watcher) Start(ctx context.Context, onReload ReloadFunc) error {
	var timer *time.Timer
	var pending <-chan time.Time

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(w.stabilityWait)
		pending = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			logutil.Verbose("rulesconfig: change detected at %s, debouncing reload", ev.Name)
			resetTimer()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logutil.Warn("rulesconfig: watcher error: %v", err)

		case <-pending:
			pending = nil
			cfgs, err := Load(w.path)
			if err != nil {
				logutil.Warn("rulesconfig: reload of %s failed: %v", w.path, err)
			} else {
				logutil.Success("rulesconfig: reloaded %d rule(s) from %s", len(cfgs), w.path)
			}
			onReload(cfgs, err)
		}
	}
}
