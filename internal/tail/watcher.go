package tail

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pixelagents/internal/async"
	"pixelagents/internal/clock"
	"pixelagents/internal/logging"
)

const defaultPollInterval = time.Second

// Batch is the outcome of one read pass.
type Batch struct {
	Lines [][]byte
	// Offset is the read offset after the pass.
	Offset int64
	// Partial is the unterminated tail carried into the next pass.
	Partial []byte
	// Truncated reports that the file shrank or was replaced and was read
	// again from the start.
	Truncated bool
}

// Handler consumes read passes. It runs on the watcher's pass goroutine and
// must not call Close on the same watcher.
type Handler func(Batch)

// Watcher follows one transcript file. File-change notifications and a
// polling ticker both request read passes; at most one pass runs at a time,
// and requests arriving during a pass collapse into a single follow-up pass.
type Watcher struct {
	path     string
	reader   *Reader
	handler  Handler
	clock    clock.Clock
	interval time.Duration
	notify   bool
	logger   logging.Logger

	mu     sync.Mutex
	cursor Cursor
	passes uint64

	pending   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	fsw       *fsnotify.Watcher
	ticker    *clock.Ticker
	loops     []<-chan struct{}
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithPollInterval sets the polling fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock sets the clock driving the polling ticker.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) {
		w.clock = clock.OrReal(c)
	}
}

// WithLogger sets the logger for watcher diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

// WithoutNotify disables OS change notifications, leaving only polling.
func WithoutNotify() Option {
	return func(w *Watcher) {
		w.notify = false
	}
}

// Watch starts following path from cur. The file must exist. An initial pass
// is requested immediately.
func Watch(path string, cur Cursor, reader *Reader, handler Handler, opts ...Option) (*Watcher, error) {
	if reader == nil {
		return nil, errors.New("tail: reader required")
	}
	if handler == nil {
		return nil, errors.New("tail: handler required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("tail: watch %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("tail: watch %s: is a directory", path)
	}

	w := &Watcher{
		path:     path,
		reader:   reader,
		handler:  handler,
		clock:    clock.Real(),
		interval: defaultPollInterval,
		notify:   true,
		logger:   logging.Nop(),
		cursor:   cur,
		pending:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.notify {
		w.fsw = w.subscribe()
	}
	w.ticker = w.clock.NewTicker(w.interval)

	w.loops = append(w.loops,
		async.GoDone(w.logger, "tail.signals", w.signalLoop),
		async.GoDone(w.logger, "tail.passes", w.passLoop),
	)
	w.Trigger()
	return w, nil
}

// subscribe watches the parent directory so that replacement of the file is
// observed too. Failure leaves the watcher on polling alone.
func (w *Watcher) subscribe() *fsnotify.Watcher {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("tail: notifications unavailable for %s: %v", w.path, err)
		return nil
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.logger.Warn("tail: cannot watch %s: %v", filepath.Dir(w.path), err)
		return nil
	}
	return fsw
}

// Trigger requests a read pass. It never blocks: if a pass is already queued
// the request is absorbed by it.
func (w *Watcher) Trigger() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// Cursor returns the current read position.
func (w *Watcher) Cursor() Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Cursor{Offset: w.cursor.Offset, Partial: append([]byte(nil), w.cursor.Partial...)}
}

// Passes reports how many read passes have completed.
func (w *Watcher) Passes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.passes
}

// Path returns the absolute path being followed.
func (w *Watcher) Path() string {
	return w.path
}

// Close stops both signal sources and waits for an in-flight pass to finish.
// It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		w.ticker.Stop()
		if w.fsw != nil {
			err = w.fsw.Close()
		}
		for _, done := range w.loops {
			<-done
		}
		w.reader.Forget(w.path)
	})
	return err
}

func (w *Watcher) signalLoop() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.fsw != nil {
		events = w.fsw.Events
		errs = w.fsw.Errors
	}
	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.C:
			w.Trigger()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.relevant(event) {
				w.Trigger()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("tail: notification error for %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

func (w *Watcher) passLoop() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.pending:
		}
		// Stop wins over a queued pass.
		select {
		case <-w.stop:
			return
		default:
		}
		w.pass()
	}
}

func (w *Watcher) pass() {
	w.mu.Lock()
	cur := w.cursor
	w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("tail: stat %s: %v", w.path, err)
		}
		w.finish(cur, nil)
		return
	}

	truncated := false
	if info.Size() < cur.Offset {
		w.logger.Info("tail: %s shrank from %d to %d bytes, rereading", w.path, cur.Offset, info.Size())
		cur = Cursor{}
		truncated = true
	}

	res, err := w.reader.Read(w.path, cur)
	if err != nil {
		w.logger.Warn("tail: %v", err)
	}
	batch := &Batch{
		Lines:     res.Lines,
		Offset:    res.Cursor.Offset,
		Partial:   res.Cursor.Partial,
		Truncated: truncated || res.Rotated,
	}
	w.finish(res.Cursor, batch)
}

func (w *Watcher) finish(cur Cursor, batch *Batch) {
	w.mu.Lock()
	w.cursor = cur
	w.passes++
	w.mu.Unlock()

	if batch != nil {
		w.handler(*batch)
	}
}
