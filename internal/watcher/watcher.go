// Package watcher observes filesystem paths and emits a single debounced
// "dirty" signal per instance, coalescing bursts of raw fsnotify events. It
// is Component D (Watcher) of the supervisor engine, grounded on the
// debounce-timer pattern used for workspace change tracking elsewhere in
// the example corpus.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Watch observes one or more root paths recursively and delivers a single
// signal on dirty each time a burst of changes settles, filtered against
// the ignore globs it is given (spec.WatchSpec defaults them to .git,
// node_modules and target only when none are configured).
type Watch struct {
	roots    []string
	ignore   []string
	debounce time.Duration

	fsw    *fsnotify.Watcher
	dirty  chan<- struct{}
	log    *slog.Logger
	trigger chan struct{}
}

// New creates a Watch over roots, ignoring paths matching any of the
// doublestar glob patterns in ignore. dirty receives one signal per settled
// burst; it should be buffered by at least 1 so a pending signal is never
// lost (spec.md: "emits at most one pending signal").
func New(roots, ignore []string, debounce time.Duration, dirty chan<- struct{}, log *slog.Logger) (*Watch, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watch{
		roots:    roots,
		ignore:   ignore,
		debounce: debounce,
		fsw:      fsw,
		dirty:    dirty,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Watch) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watch) ignored(path string) bool {
	for _, pat := range w.ignore {
		if ok, _ := doublestar.Match(pat, path); ok {
			return true
		}
		if ok, _ := doublestar.Match(pat, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// Run pumps raw fsnotify events into the debounce timer until ctx is
// cancelled. It must run in its own goroutine.
func (w *Watch) Run(ctx context.Context) {
	defer w.fsw.Close()

	var debounceTimer *time.Timer
	var pending bool

	for {
		var timerC <-chan time.Time
		if debounceTimer != nil {
			timerC = debounceTimer.C
		}
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || w.ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.ignored(ev.Name) {
					_ = w.fsw.Add(ev.Name)
				}
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}
			pending = true
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("watcher error", "error", err)
			}
		case <-timerC:
			if pending {
				select {
				case w.dirty <- struct{}{}:
				default:
					// a signal is already pending consumption; coalesce.
				}
				pending = false
			}
			debounceTimer = nil
		}
	}
}

// Close stops the underlying fsnotify watcher immediately.
func (w *Watch) Close() error { return w.fsw.Close() }
