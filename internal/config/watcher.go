package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pixelagents/internal/async"
	"pixelagents/internal/clock"
	"pixelagents/internal/logging"
)

const defaultConfigWatchDebounce = 750 * time.Millisecond

// RuntimeConfigWatcher monitors the config file and refreshes the cache asynchronously.
type RuntimeConfigWatcher struct {
	path     string
	cache    *RuntimeConfigCache
	logger   logging.Logger
	clock    clock.Clock
	debounce time.Duration

	mu       sync.Mutex
	timer    *clock.Timer
	watcher  *fsnotify.Watcher
	done     <-chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// RuntimeConfigWatcherOption customizes watcher behavior.
type RuntimeConfigWatcherOption func(*RuntimeConfigWatcher)

// WithConfigWatchDebounce sets the debounce window for reloads.
func WithConfigWatchDebounce(debounce time.Duration) RuntimeConfigWatcherOption {
	return func(w *RuntimeConfigWatcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// WithConfigWatchLogger sets the logger for watcher diagnostics.
func WithConfigWatchLogger(logger logging.Logger) RuntimeConfigWatcherOption {
	return func(w *RuntimeConfigWatcher) {
		w.logger = logging.OrNop(logger)
	}
}

// WithConfigWatchClock replaces the clock driving the debounce timer.
func WithConfigWatchClock(c clock.Clock) RuntimeConfigWatcherOption {
	return func(w *RuntimeConfigWatcher) {
		w.clock = clock.OrReal(c)
	}
}

// NewRuntimeConfigWatcher constructs a watcher for the config path.
func NewRuntimeConfigWatcher(path string, cache *RuntimeConfigCache, opts ...RuntimeConfigWatcherOption) (*RuntimeConfigWatcher, error) {
	if cache == nil {
		return nil, fmt.Errorf("runtime config cache required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	watcher := &RuntimeConfigWatcher{
		path:     filepath.Clean(path),
		cache:    cache,
		logger:   logging.Nop(),
		clock:    clock.Real(),
		debounce: defaultConfigWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(watcher)
	}
	return watcher, nil
}

// Start begins watching the config file's directory. The directory must
// exist; the file itself may appear later.
func (w *RuntimeConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		_ = fsWatcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fsWatcher
	w.done = async.GoDone(w.logger, "config.watch", func() { w.watchLoop(fsWatcher) })
	w.mu.Unlock()

	if ctx != nil {
		async.Go(w.logger, "config.watch.ctx", func() {
			select {
			case <-ctx.Done():
				w.Stop()
			case <-w.stopCh:
			}
		})
	}
	return nil
}

// Stop terminates the watcher and waits for its loop to exit.
func (w *RuntimeConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		fsWatcher, done := w.watcher, w.done
		w.mu.Unlock()
		if fsWatcher != nil {
			_ = fsWatcher.Close()
			<-done
		}
	})
}

// Path is the watched config file.
func (w *RuntimeConfigWatcher) Path() string { return w.path }

// Updates exposes the cache update signals.
func (w *RuntimeConfigWatcher) Updates() <-chan struct{} {
	return w.cache.Updates()
}

func (w *RuntimeConfigWatcher) watchLoop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error: %v", err)
		}
	}
}

func (w *RuntimeConfigWatcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *RuntimeConfigWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, w.reload)
}

func (w *RuntimeConfigWatcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	if err := w.cache.Reload(context.Background()); err != nil {
		w.logger.Warn("config: reload failed: %v", err)
		return
	}
	w.logger.Info("config: reloaded %s", w.path)
}
