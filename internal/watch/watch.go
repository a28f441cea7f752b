// SPDX-License-Identifier: MPL-2.0

// Package watch reports entries of one directory appearing and disappearing.
//
// Filesystem events are collected until the directory has been quiet for the
// settle window, then each touched name is reported once with its presence at
// that moment. Names are matched with doublestar globs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is used when Config.Settle is not positive.
const DefaultSettle = 100 * time.Millisecond

var (
	// ErrRunning is returned by a second call to Run.
	ErrRunning = errors.New("watch: already running")

	// ErrDirGone is returned by Run when the watched directory is removed or
	// renamed away.
	ErrDirGone = errors.New("watch: directory removed")
)

type (
	// Config describes what a Watcher observes.
	Config struct {
		// Dir is the directory to observe. Subdirectories are not followed.
		Dir string
		// Names are doublestar globs matched against entry names. Empty
		// matches everything.
		Names []string
		// Settle is the quiet period before a batch is reported.
		Settle time.Duration
		// Logger receives recoverable watcher errors.
		Logger *log.Logger
	}

	// Change is the settled presence of one entry.
	Change struct {
		Name    string
		Present bool
	}

	// Watcher observes one directory. It can be run once.
	Watcher struct {
		dir     string
		names   []string
		settle  time.Duration
		logger  *log.Logger
		fsw     *fsnotify.Watcher
		running atomic.Bool
	}
)

// New validates cfg and starts observing Dir.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch: directory is required")
	}
	for _, pat := range cfg.Names {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("watch: pattern %q: %w", pat, doublestar.ErrBadPattern)
		}
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:    dir,
		names:  slices.Clone(cfg.Names),
		settle: cfg.Settle,
		logger: cfg.Logger,
		fsw:    fsw,
	}
	if w.settle <= 0 {
		w.settle = DefaultSettle
	}
	if w.logger == nil {
		w.logger = log.New(io.Discard)
	}
	return w, nil
}

// Dir returns the absolute directory being observed.
func (w *Watcher) Dir() string { return w.dir }

// Run reports settled batches to fn until ctx is done or fn returns false,
// both of which return nil. The watcher is released when Run returns.
func (w *Watcher) Run(ctx context.Context, fn func([]Change) bool) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Debug("close watcher", "dir", w.dir, "error", err)
		}
	}()

	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()

	touched := make(map[string]struct{})
	var settled <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: event stream closed")
			}
			if ev.Name == w.dir {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					return ErrDirGone
				}
				continue
			}
			name := filepath.Base(ev.Name)
			if !w.wants(name) {
				continue
			}
			touched[name] = struct{}{}
			timer.Reset(w.settle)
			settled = timer.C

		case <-settled:
			settled = nil
			batch := w.snapshot(touched)
			clear(touched)
			if !fn(batch) {
				return nil
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: error stream closed")
			}
			if exhausted(err) {
				return fmt.Errorf("watch %s: %w", w.dir, err)
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) wants(name string) bool {
	if len(w.names) == 0 {
		return true
	}
	return slices.ContainsFunc(w.names, func(pat string) bool {
		ok, err := doublestar.Match(pat, name)
		return err == nil && ok
	})
}

func (w *Watcher) snapshot(touched map[string]struct{}) []Change {
	batch := make([]Change, 0, len(touched))
	for _, name := range slices.Sorted(maps.Keys(touched)) {
		_, err := os.Lstat(filepath.Join(w.dir, name))
		batch = append(batch, Change{Name: name, Present: err == nil})
	}
	return batch
}
