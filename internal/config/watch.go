package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces editor write bursts into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk. Only the files
// named at start are watched; a new $include needs a restart.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*Config)
	warn     *WarnState

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithReloadDebounce overrides DefaultReloadDebounce.
func WithReloadDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWarnState resets warn on every successful reload so one-time
// warnings fire again for the new config.
func WithWarnState(warn *WarnState) WatchOption {
	return func(w *Watcher) { w.warn = warn }
}

// Watch starts watching path and every file it includes. onReload runs on
// each successful reload; a config that fails to load is logged and the
// previous one stays in effect.
func Watch(ctx context.Context, path string, onReload func(*Config), opts ...WatchOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     absPath,
		fw:       fw,
		files:    map[string]bool{absPath: true},
		debounce: DefaultReloadDebounce,
		logger:   slog.Default(),
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, inc := range includedFiles(absPath) {
		w.files[inc] = true
	}
	dirs := map[string]bool{}
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.cancel()
	err := w.fw.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed; keeping previous config", "path", w.path, "error", err)
		return
	}
	w.warn.Reset()
	w.logger.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// includedFiles lists the absolute paths pulled in by path's $include
// chain. Errors are ignored; Load reports them.
func includedFiles(path string) []string {
	var out []string
	var walk func(string, map[string]bool)
	walk = func(p string, seen map[string]bool) {
		if seen[p] {
			return
		}
		seen[p] = true
		raw, err := LoadRawFile(p)
		if err != nil {
			return
		}
		incs, _ := extractIncludes(raw)
		for _, inc := range incs {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(p), inc)
			}
			inc = filepath.Clean(inc)
			out = append(out, inc)
			walk(inc, seen)
		}
	}
	walk(path, map[string]bool{})
	return out
}
