package sessions

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates a Store's read cache when another process rewrites
// the file. Atomic writes replace the file, so the parent directory is
// watched and events are filtered by name.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onChange func()
}

// Watch starts watching the store file. onChange, when non-nil, runs after
// each invalidation.
func (s *Store) Watch(ctx context.Context, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(s.path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{store: s, watcher: fw, cancel: cancel, onChange: onChange}
	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	name := filepath.Clean(w.store.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.store.Invalidate()
				if w.onChange != nil {
					w.onChange()
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("session store watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
