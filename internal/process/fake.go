package process

import (
	"context"
	"errors"
	"sync"
)

// FakeLauncher is an in-memory Launcher for tests.
type FakeLauncher struct {
	mu       sync.Mutex
	handles  map[string]*FakeHandle
	launched []Spec
	// LaunchErr, when set, makes every Launch fail.
	LaunchErr error
}

// NewFakeLauncher returns an empty FakeLauncher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{handles: make(map[string]*FakeHandle)}
}

func (f *FakeLauncher) Launch(_ context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	if h, ok := f.handles[spec.Name]; ok && !h.exited() {
		return nil, errors.New("process: fake name already running")
	}
	h := newFakeHandle(spec.Name)
	f.handles[spec.Name] = h
	f.launched = append(f.launched, spec)
	return h, nil
}

func (f *FakeLauncher) Find(_ context.Context, name string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[name]
	if !ok || h.exited() {
		return nil, ErrNotFound
	}
	return h, nil
}

// Seed registers a live process as if an earlier supervisor had launched it.
func (f *FakeLauncher) Seed(name string) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := newFakeHandle(name)
	f.handles[name] = h
	return h
}

// Handle returns the handle registered under name.
func (f *FakeLauncher) Handle(name string) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[name]
}

// Launched returns every spec passed to Launch.
func (f *FakeLauncher) Launched() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.launched...)
}

// FakeHandle records calls and lets tests end the process.
type FakeHandle struct {
	name string

	mu       sync.Mutex
	shows    int
	disposed int
	prompts  []string
	done     chan struct{}
	once     sync.Once
}

func newFakeHandle(name string) *FakeHandle {
	return &FakeHandle{name: name, done: make(chan struct{})}
}

func (h *FakeHandle) Name() string { return h.name }

func (h *FakeHandle) Show() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shows++
	return nil
}

// Dispose ends the fake process.
func (h *FakeHandle) Dispose() error {
	h.mu.Lock()
	h.disposed++
	h.mu.Unlock()
	h.Exit()
	return nil
}

func (h *FakeHandle) Prompt(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, text)
	return nil
}

func (h *FakeHandle) Done() <-chan struct{} { return h.done }

// Exit simulates the process terminating on its own.
func (h *FakeHandle) Exit() {
	h.once.Do(func() { close(h.done) })
}

func (h *FakeHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Shows reports how many times Show was called.
func (h *FakeHandle) Shows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shows
}

// Disposals reports how many times Dispose was called.
func (h *FakeHandle) Disposals() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// Prompts returns every prompt received.
func (h *FakeHandle) Prompts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.prompts...)
}
