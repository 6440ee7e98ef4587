// Package timers owns the per-agent waiting and permission timeouts.
//
// Every scheduled timer carries a generation number. A fire is delivered to
// the callback only while its generation is still current, and the callback
// confirms with Consume after taking whatever lock serializes the agent, so a
// cancel that races with a fire always wins.
package timers

import (
	"sync"
	"time"

	"pixelagents/internal/clock"
	"pixelagents/internal/logging"
)

// Kind selects one of the two per-agent timeouts.
type Kind int

const (
	// Waiting marks the agent idle after a quiet period.
	Waiting Kind = iota
	// Permission escalates an unanswered approval request.
	Permission
)

func (k Kind) String() string {
	switch k {
	case Waiting:
		return "waiting"
	case Permission:
		return "permission"
	}
	return "unknown"
}

const (
	DefaultWaitingDelay    = 5 * time.Second
	DefaultPermissionDelay = 7 * time.Second
)

// FireFunc is invoked when a timer expires. It runs on the clock's goroutine
// and must call Consume before acting.
type FireFunc func(agentID int, kind Kind, gen uint64)

type key struct {
	agent int
	kind  Kind
}

type slot struct {
	gen   uint64
	timer *clock.Timer
}

// Manager schedules and cancels per-agent timeouts.
type Manager struct {
	mu      sync.Mutex
	clock   clock.Clock
	delays  map[Kind]time.Duration
	slots   map[key]slot
	nextGen uint64
	onFire  FireFunc
	logger  logging.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock timers are scheduled on.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithDelay overrides the delay for one timer kind.
func WithDelay(kind Kind, d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.delays[kind] = d
		}
	}
}

// WithLogger sets the logger for timer diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// NewManager creates a Manager delivering expirations to onFire.
func NewManager(onFire FireFunc, opts ...Option) *Manager {
	m := &Manager{
		clock: clock.Real(),
		delays: map[Kind]time.Duration{
			Waiting:    DefaultWaitingDelay,
			Permission: DefaultPermissionDelay,
		},
		slots:  make(map[key]slot),
		onFire: onFire,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Delay returns the configured delay for kind.
func (m *Manager) Delay(kind Kind) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delays[kind]
}

// Start (re)arms the timer, replacing any pending one of the same kind.
func (m *Manager) Start(agentID int, kind Kind) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{agent: agentID, kind: kind}
	if old, ok := m.slots[k]; ok {
		old.timer.Stop()
	}
	m.nextGen++
	gen := m.nextGen
	timer := m.clock.AfterFunc(m.delays[kind], func() { m.fire(k, gen) })
	m.slots[k] = slot{gen: gen, timer: timer}
	m.logger.Debug("timers: armed %s for agent %d (gen %d)", kind, agentID, gen)
	return gen
}

// Cancel disarms the timer. Cancelling a fired or absent timer is a no-op.
// It reports whether a pending timer was disarmed.
func (m *Manager) Cancel(agentID int, kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(key{agent: agentID, kind: kind})
}

func (m *Manager) cancelLocked(k key) bool {
	s, ok := m.slots[k]
	if !ok {
		return false
	}
	delete(m.slots, k)
	s.timer.Stop()
	return true
}

// CancelAll disarms both timers for an agent.
func (m *Manager) CancelAll(agentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(key{agent: agentID, kind: Waiting})
	m.cancelLocked(key{agent: agentID, kind: Permission})
}

// Active reports whether a timer of kind is pending for the agent.
func (m *Manager) Active(agentID int, kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[key{agent: agentID, kind: kind}]
	return ok
}

// Consume claims an expiration. It reports true exactly once per armed
// timer, and only if it was not cancelled or re-armed since it fired.
func (m *Manager) Consume(agentID int, kind Kind, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{agent: agentID, kind: kind}
	s, ok := m.slots[k]
	if !ok || s.gen != gen {
		return false
	}
	delete(m.slots, k)
	return true
}

func (m *Manager) fire(k key, gen uint64) {
	m.mu.Lock()
	s, ok := m.slots[k]
	current := ok && s.gen == gen
	m.mu.Unlock()
	if !current {
		return
	}
	if m.onFire != nil {
		m.onFire(k.agent, k.kind, gen)
	}
}

// Convenience wrappers matching the interpreter's vocabulary.

func (m *Manager) StartWaiting(agentID int)     { m.Start(agentID, Waiting) }
func (m *Manager) CancelWaiting(agentID int)    { m.Cancel(agentID, Waiting) }
func (m *Manager) StartPermission(agentID int)  { m.Start(agentID, Permission) }
func (m *Manager) CancelPermission(agentID int) { m.Cancel(agentID, Permission) }
