// Package watch triggers re-indexing when session logs under a projects root
// change.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ChangeFunc receives the session logs touched since the last call.
type ChangeFunc func(ctx context.Context, paths []string)

// Watcher watches a projects root and its project directories. fsnotify is not
// recursive, so directories created later are added as they appear.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange ChangeFunc
	watcher  *fsnotify.Watcher
}

// New starts watching root. Events are delivered once Run is called.
func New(root string, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: filepath.Clean(root), debounce: debounce, onChange: onChange, watcher: fsw}
	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every directory below it except sub-agent
// transcripts.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == "subagents" {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("watch directory")
		}
		return nil
	})
}

// Run delivers debounced changes until ctx is canceled or the watcher is
// closed. onChange runs on the Run goroutine, so calls never overlap.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]struct{})
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	schedule := func(path string) {
		pending[path] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handle(event) {
				schedule(filepath.Clean(event.Name))
			}

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			log.Debug().Int("paths", len(paths)).Msg("session logs changed")
			w.onChange(ctx, paths)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; a full pass picks up whatever changed
				schedule(w.root)
				continue
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}

// handle reports whether event should trigger a re-index.
func (w *Watcher) handle(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Base(event.Name) == "subagents" {
				return false
			}
			if err := w.addTree(event.Name); err != nil {
				log.Warn().Err(err).Str("path", event.Name).Msg("watch new directory")
			}
			// logs written before the watch was added would be missed otherwise
			return true
		}
	}
	return filepath.Ext(event.Name) == ".jsonl"
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
