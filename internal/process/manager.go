package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pixelagents/internal/async"
	"pixelagents/internal/clock"
	"pixelagents/internal/logging"
)

const (
	defaultStopGrace    = 5 * time.Second
	defaultLivenessPoll = time.Second
)

// Manager launches headless processes tracked through PID files, so that a
// restarted supervisor can find them again by name. Each process reads its
// stdin from a named pipe next to its PID file, which is how prompts reach it.
type Manager struct {
	stateDir  string
	stopGrace time.Duration
	poll      time.Duration
	clock     clock.Clock
	logger    logging.Logger

	mu        sync.Mutex
	processes map[string]*ManagedProcess
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithStopGrace sets how long Dispose waits after SIGTERM before SIGKILL.
func WithStopGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.stopGrace = d
		}
	}
}

// WithLivenessPoll sets how often recovered processes are checked for exit.
func WithLivenessPoll(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithManagerClock sets the clock driving liveness polling.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithManagerLogger sets the logger for process diagnostics.
func WithManagerLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// NewManager creates a Manager keeping PID files, logs and input pipes under
// stateDir.
func NewManager(stateDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		stateDir:  stateDir,
		stopGrace: defaultStopGrace,
		poll:      defaultLivenessPoll,
		clock:     clock.Real(),
		logger:    logging.Nop(),
		processes: make(map[string]*ManagedProcess),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ManagedProcess is a process tracked by a Manager.
type ManagedProcess struct {
	name      string
	PIDFile   string
	LogFile   string
	InputPipe string
	PID       int
	PGID      int
	StartedAt time.Time

	manager  *Manager
	input    *os.File
	inputMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

func (m *Manager) paths(name string) (pidFile, logFile, pipe string) {
	key := Key(name)
	return filepath.Join(m.stateDir, key+".pid"),
		filepath.Join(m.stateDir, key+".log"),
		filepath.Join(m.stateDir, key+".in")
}

// Launch starts spec.Command in its own process group.
func (m *Manager) Launch(_ context.Context, spec Spec) (Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("process: name required")
	}
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("process: create state dir: %w", err)
	}

	pidFile, logFile, pipe := m.paths(spec.Name)
	_ = os.Remove(pipe)
	if err := unix.Mkfifo(pipe, 0o600); err != nil {
		return nil, fmt.Errorf("process: create input pipe: %w", err)
	}
	// Read-write so the open never blocks and the child never sees EOF
	// between prompts.
	input, err := os.OpenFile(pipe, os.O_RDWR, 0)
	if err != nil {
		_ = os.Remove(pipe)
		return nil, fmt.Errorf("process: open input pipe: %w", err)
	}
	logOut, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = input.Close()
		_ = os.Remove(pipe)
		return nil, fmt.Errorf("process: open log file: %w", err)
	}
	defer logOut.Close()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = input
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = input.Close()
		_ = os.Remove(pipe)
		return nil, fmt.Errorf("process: start %s: %w", spec.Name, err)
	}

	pid := cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	mp := &ManagedProcess{
		name:      spec.Name,
		PIDFile:   pidFile,
		LogFile:   logFile,
		InputPipe: pipe,
		PID:       pid,
		PGID:      pgid,
		StartedAt: m.clock.Now(),
		manager:   m,
		input:     input,
		done:      make(chan struct{}),
	}
	if err := atomicWriteFile(pidFile, []byte(strconv.Itoa(pid))); err != nil {
		m.logger.Warn("process: write pid file for %s: %v", spec.Name, err)
	}
	m.track(mp)

	async.Go(m.logger, "process.wait", func() {
		_ = cmd.Wait()
		m.exited(mp)
	})
	m.logger.Info("process: started %s (pid %d)", spec.Name, pid)
	return mp, nil
}

// Find re-attaches to a process launched under name by an earlier supervisor.
func (m *Manager) Find(_ context.Context, name string) (Handle, error) {
	m.mu.Lock()
	if mp, ok := m.processes[name]; ok {
		m.mu.Unlock()
		return mp, nil
	}
	m.mu.Unlock()

	pidFile, logFile, pipe := m.paths(name)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return nil, ErrNotFound
	}
	if !isProcessAlive(pid) {
		_ = os.Remove(pidFile)
		return nil, ErrNotFound
	}

	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	mp := &ManagedProcess{
		name:      name,
		PIDFile:   pidFile,
		LogFile:   logFile,
		InputPipe: pipe,
		PID:       pid,
		PGID:      pgid,
		manager:   m,
		done:      make(chan struct{}),
	}
	if f, err := os.OpenFile(pipe, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		mp.input = f
	}
	m.track(mp)
	async.Go(m.logger, "process.liveness", func() { m.watchLiveness(mp) })
	m.logger.Info("process: recovered %s (pid %d)", name, pid)
	return mp, nil
}

func (m *Manager) track(mp *ManagedProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[mp.name] = mp
}

func (m *Manager) watchLiveness(mp *ManagedProcess) {
	ticker := m.clock.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-mp.done:
			return
		case <-ticker.C:
			if !isProcessAlive(mp.PID) {
				m.exited(mp)
				return
			}
		}
	}
}

func (m *Manager) exited(mp *ManagedProcess) {
	m.mu.Lock()
	if cur, ok := m.processes[mp.name]; ok && cur == mp {
		delete(m.processes, mp.name)
	}
	m.mu.Unlock()

	mp.inputMu.Lock()
	if mp.input != nil {
		_ = mp.input.Close()
		mp.input = nil
	}
	mp.inputMu.Unlock()

	_ = os.Remove(mp.PIDFile)
	_ = os.Remove(mp.InputPipe)
	mp.doneOnce.Do(func() { close(mp.done) })
	m.logger.Info("process: %s (pid %d) exited", mp.name, mp.PID)
}

// Running returns the names of every tracked process.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.processes))
	for name := range m.processes {
		names = append(names, name)
	}
	return names
}

func (p *ManagedProcess) Name() string { return p.name }

// Show has nothing to raise for a headless process.
func (p *ManagedProcess) Show() error {
	return fmt.Errorf("%w: %s logs to %s", ErrNoTerminal, p.name, p.LogFile)
}

func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Prompt writes one line to the process's stdin.
func (p *ManagedProcess) Prompt(text string) error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if p.input == nil {
		return fmt.Errorf("process: %s has no input pipe", p.name)
	}
	line := strings.ReplaceAll(text, "\n", " ") + "\n"
	if _, err := p.input.WriteString(line); err != nil {
		return fmt.Errorf("process: prompt %s: %w", p.name, err)
	}
	return nil
}

// Dispose sends SIGTERM to the process group, escalating to SIGKILL after
// the grace period.
func (p *ManagedProcess) Dispose() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.manager.kill(p)
	})
	return p.stopErr
}

func (m *Manager) kill(p *ManagedProcess) error {
	target := -p.PGID
	if p.PGID == 0 {
		target = p.PID
	}
	if err := unix.Kill(target, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: terminate %s: %w", p.name, err)
	}

	deadline := time.Now().Add(m.stopGrace)
	for time.Now().Before(deadline) {
		select {
		case <-p.done:
			return nil
		case <-time.After(100 * time.Millisecond):
		}
		if !isProcessAlive(p.PID) {
			return nil
		}
	}
	m.logger.Warn("process: %s ignored SIGTERM, killing", p.name)
	if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: kill %s: %w", p.name, err)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("process: malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
