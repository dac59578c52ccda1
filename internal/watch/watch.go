// Package watch observes the project root on disk and turns raw fsnotify
// events into the engine's filesystem events. The engine treats the disk as
// authoritative: whatever the watcher reports drives synchronization.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/logger"
)

// Watcher converts fsnotify events under one project root into editor
// events. Renames are reported as a deletion of the old path followed by a
// creation of the new one; correlating the two is not possible portably.
type Watcher struct {
	root   string
	fsw    *fsnotify.Watcher
	events chan editor.Event

	mu  sync.Mutex
	ids map[string]editor.NodeID

	// rescans add watches for whole subtrees; throttled so a burst of
	// directory creations doesn't walk the tree once per event.
	limiter *rate.Limiter
}

func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		root:    root,
		fsw:     fsw,
		events:  make(chan editor.Event, 256),
		ids:     make(map[string]editor.NodeID),
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	if err := w.watchTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events is the ordered stream of observations.
func (w *Watcher) Events() <-chan editor.Event {
	return w.events
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run pumps events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	switch {
	case ev.Op.Has(fsnotify.Create):
		id := w.idFor(path)
		info, err := os.Lstat(path)
		if err == nil && info.IsDir() {
			if w.limiter.Allow() {
				if err := w.watchTree(path); err != nil {
					logger.Warn("watching new directory failed", "path", path, "err", err)
				}
			} else if err := w.fsw.Add(path); err != nil {
				logger.Warn("watching new directory failed", "path", path, "err", err)
			}
		}
		w.emit(ctx, editor.NodeCreated{Node: id, Path: path})

	case ev.Op.Has(fsnotify.Write):
		w.emit(ctx, editor.FileModified{Node: w.idFor(path)})

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		id, known := w.ids[path]
		delete(w.ids, path)
		w.mu.Unlock()
		if known {
			w.emit(ctx, editor.NodeDeleted{Node: id})
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev editor.Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *Watcher) idFor(path string) editor.NodeID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.ids[path]; ok {
		return id
	}
	id := editor.NodeID(uuid.NewString())
	w.ids[path] = id
	return id
}

// watchTree adds watches for every directory under root.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}
