// Package registry owns the set of supervised agents. It launches agent
// processes, wires each one to a transcript watcher and the interpreter,
// persists the set across supervisor restarts and reattaches to processes
// that outlived the previous supervisor.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"pixelagents/internal/agent"
	"pixelagents/internal/async"
	"pixelagents/internal/clock"
	"pixelagents/internal/config"
	pxerrors "pixelagents/internal/errors"
	"pixelagents/internal/events"
	"pixelagents/internal/logging"
	"pixelagents/internal/process"
	"pixelagents/internal/state"
	"pixelagents/internal/tail"
	"pixelagents/internal/timers"
)

var (
	// ErrNoWorkspace is returned when no workspace is configured.
	ErrNoWorkspace = errors.New("registry: no workspace configured")
	// ErrNotFound is returned for ids that are not registered.
	ErrNotFound = errors.New("registry: agent not found")
	// ErrPromptUnsupported is returned when the agent's process takes no input.
	ErrPromptUnsupported = errors.New("registry: agent does not accept prompts")
	// ErrClosed is returned after Dispose.
	ErrClosed = errors.New("registry: disposed")
)

var terminalIndexPattern = regexp.MustCompile(`#(\d+)$`)

var transcriptRetry = pxerrors.RetryConfig{
	MaxAttempts:  3,
	BaseDelay:    25 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	JitterFactor: 0.25,
}

// BillySource returns the endpoint configuration for the next runner.
type BillySource func() config.BillyConfig

// Option customizes a Registry.
type Option func(*Registry)

// WithStore persists the agent set in store.
func WithStore(store state.Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithClock drives timers and transcript polling from c.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = clock.OrReal(c) }
}

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithMetrics reports activity to m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBillySource reads the endpoint configuration at every Create instead
// of using the static settings.
func WithBillySource(src BillySource) Option {
	return func(r *Registry) {
		if src != nil {
			r.billy = src
		}
	}
}

// WithoutNotify makes transcript watchers rely on polling alone.
func WithoutNotify() Option {
	return func(r *Registry) { r.notify = false }
}

// Registry is the agent lifecycle manager.
//
// Lock order: an agent's lock may be held while taking r.mu, never the
// reverse.
type Registry struct {
	settings Settings
	launcher process.Launcher
	emitter  events.Emitter
	store    state.Store
	clock    clock.Clock
	logger   logging.Logger
	metrics  *Metrics
	billy    BillySource
	notify   bool

	reader *tail.Reader
	timers *timers.Manager
	interp *agent.Interpreter

	mu       sync.Mutex
	entries  map[int]*entry
	nextID   int
	nextIdx  int
	restored bool
	closed   bool

	restoreMu sync.Mutex
	// persistMu spans snapshot and save so an older snapshot never lands
	// after a newer one.
	persistMu sync.Mutex
}

type entry struct {
	agent   *agent.Agent
	handle  process.Handle
	watcher *tail.Watcher // guarded by agent lock

	stopOnce sync.Once
	stop     chan struct{}
}

func (e *entry) halt() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// New builds a registry. Nothing is launched or restored until asked.
func New(launcher process.Launcher, emitter events.Emitter, settings Settings, opts ...Option) (*Registry, error) {
	if launcher == nil {
		return nil, errors.New("registry: launcher required")
	}
	if emitter == nil {
		emitter = events.Discard
	}
	settings.applyDefaults()

	r := &Registry{
		settings: settings,
		launcher: launcher,
		emitter:  emitter,
		clock:    clock.Real(),
		logger:   logging.Nop(),
		notify:   true,
		entries:  make(map[int]*entry),
		nextID:   1,
		nextIdx:  1,
	}
	r.billy = func() config.BillyConfig { return r.settings.Billy }
	for _, opt := range opts {
		opt(r)
	}

	reader, err := tail.NewReader(settings.ReaderCacheSize, tail.WithReaderLogger(r.logger))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r.reader = reader
	r.timers = timers.NewManager(r.onTimer,
		timers.WithClock(r.clock),
		timers.WithDelay(timers.Waiting, settings.WaitingDelay),
		timers.WithDelay(timers.Permission, settings.PermissionDelay),
		timers.WithLogger(r.logger),
	)
	r.interp = agent.NewInterpreter(emitter, r.timers, r.logger)
	return r, nil
}

// Create launches a new agent process and starts supervising it.
func (r *Registry) Create(ctx context.Context) (id int, err error) {
	ctx, span := startSpan(ctx, traceSpanCreate)
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Int(traceAttrAgentID, id))
			r.metrics.incCreated("ok")
		} else {
			r.metrics.incCreated("error")
		}
		markSpanResult(span, err)
		span.End()
	}()

	if r.settings.Workspace == "" || r.settings.SessionsDir == "" {
		return 0, ErrNoWorkspace
	}
	billy, err := r.billy().Validate()
	if err != nil {
		return 0, fmt.Errorf("registry: billy configuration: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	id = r.nextID
	idx := r.nextIdx
	r.nextID++
	r.nextIdx++
	r.mu.Unlock()

	sessionID := uuid.NewString()
	span.SetAttributes(attribute.String(traceAttrSessionID, sessionID))
	projectDir := r.settings.SessionsDir
	transcriptPath := filepath.Join(projectDir, strconv.Itoa(id)+".jsonl")
	if err := r.createTranscript(ctx, projectDir, transcriptPath); err != nil {
		return 0, fmt.Errorf("registry: create transcript: %w", err)
	}

	name := fmt.Sprintf("%s #%d", r.settings.TerminalPrefix, idx)
	handle, err := r.launcher.Launch(ctx, process.Spec{
		Name:    name,
		Command: r.settings.RunnerPath,
		Args:    RunnerArgs(transcriptPath, sessionID, billy),
		Dir:     r.settings.Workspace,
	})
	if err != nil {
		_ = os.Remove(transcriptPath)
		return 0, fmt.Errorf("registry: launch %s: %w", name, err)
	}

	a := agent.New(id, sessionID, name, transcriptPath, projectDir)
	e, err := r.attach(a, handle, tail.Cursor{}, true)
	if err != nil {
		_ = handle.Dispose()
		_ = os.Remove(transcriptPath)
		return 0, err
	}
	r.observe(e)
	r.logger.Info("registry: agent %d created for %s", id, name)
	return id, nil
}

// RunnerArgs is the command line handed to a new runner process.
func RunnerArgs(transcriptPath, sessionID string, billy config.BillyConfig) []string {
	return []string{
		"--transcript-path", transcriptPath,
		"--base-url", billy.BaseURL,
		"--ask-path", billy.AskPath,
		"--health-path", billy.HealthPath,
		"--timeout-ms", strconv.FormatInt(billy.RequestTimeout.Milliseconds(), 10),
		"--session-id", sessionID,
	}
}

func (r *Registry) createTranscript(ctx context.Context, dir, path string) error {
	return pxerrors.Retry(ctx, transcriptRetry, func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		// A leftover file from an earlier agent with the same id is emptied.
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			// The directory can vanish between MkdirAll and the open.
			if errors.Is(err, fs.ErrNotExist) {
				return pxerrors.Transient(err)
			}
			return err
		}
		return f.Close()
	}, r.logger)
}

// attach registers the agent, starts its watcher and persists the set. On
// failure nothing stays registered. The agent lock is held throughout so the
// first read pass cannot apply lines before the agent is announced.
func (r *Registry) attach(a *agent.Agent, handle process.Handle, cur tail.Cursor, announce bool) (*entry, error) {
	e := &entry{agent: a, handle: handle, stop: make(chan struct{})}

	a.Lock()
	defer a.Unlock()
	a.ReadOffset = cur.Offset

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := r.entries[a.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: agent %d already registered", a.ID)
	}
	r.entries[a.ID] = e
	r.mu.Unlock()

	opts := []tail.Option{
		tail.WithPollInterval(r.settings.PollInterval),
		tail.WithClock(r.clock),
		tail.WithLogger(r.logger),
	}
	if !r.notify {
		opts = append(opts, tail.WithoutNotify())
	}
	w, err := tail.Watch(a.TranscriptPath, cur, r.reader, r.handler(e), opts...)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, a.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: watch transcript: %w", err)
	}
	e.watcher = w

	r.persist()
	r.metrics.setActive(r.Len())
	if announce {
		r.emitter.Emit(events.Created(a.ID))
	}
	return e, nil
}

// observe removes the agent once its process is seen to exit.
func (r *Registry) observe(e *entry) {
	id := e.agent.ID
	async.Go(r.logger, "registry.observe", func() {
		select {
		case <-e.handle.Done():
			if r.removeEntry(id, e, "exited") {
				r.logger.Info("registry: agent %d process exited", id)
				r.emitter.Emit(events.Closed(id))
			}
		case <-e.stop:
		}
	})
}

func (r *Registry) handler(e *entry) tail.Handler {
	return func(b tail.Batch) {
		a := e.agent
		a.Lock()
		defer a.Unlock()
		if !r.isCurrent(a.ID, e) {
			return
		}

		if b.Truncated {
			r.logger.Info("registry: agent %d transcript reset, rereading from start", a.ID)
		}
		applied := 0
		if len(b.Lines) > 0 {
			_, span := startSpan(context.Background(), traceSpanPass,
				attribute.Int(traceAttrAgentID, a.ID),
				attribute.Int(traceAttrLines, len(b.Lines)))
			for _, line := range b.Lines {
				if r.interp.ApplyLine(a, line) {
					applied++
				}
			}
			span.End()
		}
		a.ReadOffset = b.Offset
		a.PendingPartialLine = append(a.PendingPartialLine[:0], b.Partial...)
		r.metrics.observePass(applied, len(b.Lines)-applied)
	}
}

// onTimer runs when a timer expires. Stale or superseded expirations and
// expirations for removed agents do nothing.
func (r *Registry) onTimer(id int, kind timers.Kind, gen uint64) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	a := e.agent
	a.Lock()
	defer a.Unlock()
	if !r.isCurrent(id, e) || !r.timers.Consume(id, kind, gen) {
		return
	}
	switch kind {
	case timers.Waiting:
		r.interp.WaitingExpired(a)
	case timers.Permission:
		r.interp.PermissionExpired(a)
	}
	r.metrics.incTimerFire(kind.String())
}

func (r *Registry) lookup(id int) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

func (r *Registry) isCurrent(id int, e *entry) bool {
	return r.lookup(id) == e
}

// Remove stops supervising the agent without touching its process. It is
// idempotent and reports whether the agent was registered.
func (r *Registry) Remove(id int) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	if !r.removeEntry(id, e, "removed") {
		return false
	}
	r.emitter.Emit(events.Closed(id))
	return true
}

// removeEntry drops e if it is still registered under id, then releases its
// watcher and timers and persists the remaining set.
func (r *Registry) removeEntry(id int, e *entry, reason string) bool {
	if !r.release(id, e) {
		return false
	}
	r.persist()
	r.metrics.incRemoved(reason)
	r.metrics.setActive(r.Len())
	r.logger.Info("registry: agent %d removed (%s)", id, reason)
	return true
}

func (r *Registry) release(id int, e *entry) bool {
	r.mu.Lock()
	if cur, ok := r.entries[id]; !ok || cur != e {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.halt()
	e.agent.Lock()
	w := e.watcher
	e.agent.Unlock()
	if w != nil {
		_ = w.Close()
	}
	r.timers.CancelAll(id)
	return true
}

// Close asks the agent's process to terminate. The agent is removed once the
// process is observed to exit.
func (r *Registry) Close(id int) error {
	e := r.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	return e.handle.Dispose()
}

// Focus shows the agent's terminal and announces the selection. The
// selection is announced even when there is no terminal to show.
func (r *Registry) Focus(id int) error {
	e := r.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	r.emitter.Emit(events.Selected(id))
	return e.handle.Show()
}

// Prompt types text into the agent's process.
func (r *Registry) Prompt(id int, text string) error {
	e := r.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	p, ok := e.handle.(process.Prompter)
	if !ok {
		return ErrPromptUnsupported
	}
	return p.Prompt(text)
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the live agent ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []int {
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, id := range r.idsLocked() {
		out = append(out, r.entries[id])
	}
	return out
}

// Snapshots copies the state of every live agent, ordered by id.
func (r *Registry) Snapshots() []agent.Snapshot {
	entries := r.snapshotEntries()
	out := make([]agent.Snapshot, 0, len(entries))
	for _, e := range entries {
		e.agent.Lock()
		out = append(out, e.agent.Snapshot())
		e.agent.Unlock()
	}
	return out
}

// Snapshot copies one agent's state.
func (r *Registry) Snapshot(id int) (agent.Snapshot, error) {
	e := r.lookup(id)
	if e == nil {
		return agent.Snapshot{}, ErrNotFound
	}
	e.agent.Lock()
	defer e.agent.Unlock()
	return e.agent.Snapshot(), nil
}

// Replay returns what a newly connected presentation layer needs:
// existingAgents with the stored seat metadata, then each agent's current
// tools, mode, permission and waiting status.
func (r *Registry) Replay(ctx context.Context) []events.Event {
	entries := r.snapshotEntries()
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.agent.ID)
	}
	meta := map[int]json.RawMessage{}
	if r.store != nil {
		seats, err := state.LoadSeats(ctx, r.store)
		if err != nil {
			r.logger.Warn("registry: load seats: %v", err)
		} else {
			meta = seats
		}
	}

	out := []events.Event{events.Existing(ids, meta)}
	for _, e := range entries {
		e.agent.Lock()
		if r.isCurrent(e.agent.ID, e) {
			out = append(out, e.agent.ReplayEvents()...)
		}
		e.agent.Unlock()
	}
	return out
}

// SaveSeats stores the presentation layer's per-agent seat metadata.
func (r *Registry) SaveSeats(ctx context.Context, seats map[int]json.RawMessage) error {
	if r.store == nil {
		return nil
	}
	return state.SaveSeats(ctx, r.store, seats)
}

func (r *Registry) records() []state.AgentRecord {
	entries := r.snapshotEntries()
	out := make([]state.AgentRecord, 0, len(entries))
	for _, e := range entries {
		a := e.agent
		out = append(out, state.AgentRecord{
			ID:           a.ID,
			SessionID:    a.SessionID,
			TerminalName: a.TerminalName,
			JSONLFile:    a.TranscriptPath,
			ProjectDir:   a.ProjectDir,
		})
	}
	return out
}

// persist writes the live set. Identity fields of an agent never change
// after construction, so no agent lock is needed.
func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := state.SaveAgents(context.Background(), r.store, r.records()); err != nil {
		r.logger.Warn("registry: persist agents: %v", err)
	}
}

// Dispose stops supervising every agent and releases the transcript reader.
// Agent processes keep running and the persisted set is left intact so a
// later supervisor can reattach.
func (r *Registry) Dispose() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := r.idsLocked()
	entries := make(map[int]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.Unlock()

	for _, id := range ids {
		e := entries[id]
		if r.release(id, e) {
			releaseHandle(e.handle)
		}
	}
	r.metrics.setActive(0)
	r.logger.Info("registry: disposed %d agents", len(ids))
	return r.reader.Close()
}

// releaser is implemented by handles that poll for exit and can stop doing
// so without ending the process.
type releaser interface {
	Release()
}

func releaseHandle(h process.Handle) {
	if rel, ok := h.(releaser); ok {
		rel.Release()
	}
}
