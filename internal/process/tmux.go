package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"pixelagents/internal/async"
	"pixelagents/internal/clock"
	"pixelagents/internal/logging"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// RunCommand is the default CommandRunner. Failures carry the command's
// stderr in the error.
func RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// TmuxLauncher runs each agent in its own detached tmux session. The session
// name is derived from the process name, which is what makes a process
// findable again after the supervisor restarts.
type TmuxLauncher struct {
	prefix string
	run    CommandRunner
	poll   time.Duration
	clock  clock.Clock
	logger logging.Logger
}

// TmuxOption customizes a TmuxLauncher.
type TmuxOption func(*TmuxLauncher)

// WithCommandRunner replaces the tmux invocation, mainly for tests.
func WithCommandRunner(run CommandRunner) TmuxOption {
	return func(l *TmuxLauncher) {
		if run != nil {
			l.run = run
		}
	}
}

// WithTmuxPoll sets how often sessions are checked for exit.
func WithTmuxPoll(d time.Duration) TmuxOption {
	return func(l *TmuxLauncher) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithTmuxClock sets the clock driving exit polling.
func WithTmuxClock(c clock.Clock) TmuxOption {
	return func(l *TmuxLauncher) { l.clock = clock.OrReal(c) }
}

// WithTmuxLogger sets the logger for launcher diagnostics.
func WithTmuxLogger(logger logging.Logger) TmuxOption {
	return func(l *TmuxLauncher) { l.logger = logging.OrNop(logger) }
}

// NewTmuxLauncher creates a launcher whose sessions are named prefix-<key>.
func NewTmuxLauncher(prefix string, opts ...TmuxOption) *TmuxLauncher {
	l := &TmuxLauncher{
		prefix: Key(prefix),
		run:    RunCommand,
		poll:   defaultLivenessPoll,
		clock:  clock.Real(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SessionName returns the tmux session used for a process name.
func (l *TmuxLauncher) SessionName(name string) string {
	return l.prefix + "-" + Key(name)
}

// Launch starts spec in a new detached session.
func (l *TmuxLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	session := l.SessionName(spec.Name)
	if l.exists(ctx, session) {
		return nil, fmt.Errorf("process: tmux session %q already exists", session)
	}

	args := []string{"new-session", "-d", "-s", session}
	if spec.Dir != "" {
		args = append(args, "-c", spec.Dir)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, shellCommand(spec.Command, spec.Args))
	if _, err := l.run(ctx, "tmux", args...); err != nil {
		return nil, fmt.Errorf("process: launch %s: %w", spec.Name, err)
	}
	l.logger.Info("process: started %s in tmux session %s", spec.Name, session)
	return l.attach(spec.Name, session), nil
}

// Find returns the handle for a still-running session.
func (l *TmuxLauncher) Find(ctx context.Context, name string) (Handle, error) {
	session := l.SessionName(name)
	if !l.exists(ctx, session) {
		return nil, ErrNotFound
	}
	return l.attach(name, session), nil
}

func (l *TmuxLauncher) exists(ctx context.Context, session string) bool {
	_, err := l.run(ctx, "tmux", "has-session", "-t", "="+session)
	return err == nil
}

func (l *TmuxLauncher) attach(name, session string) *TmuxSession {
	s := &TmuxSession{
		name:     name,
		session:  session,
		launcher: l,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	async.Go(l.logger, "process.tmux.liveness", s.watch)
	return s
}

// TmuxSession is the handle for one tmux-hosted process.
type TmuxSession struct {
	name     string
	session  string
	launcher *TmuxLauncher

	doneOnce sync.Once
	done     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
}

func (s *TmuxSession) Name() string { return s.name }

// Session returns the tmux session name.
func (s *TmuxSession) Session() string { return s.session }

func (s *TmuxSession) Done() <-chan struct{} { return s.done }

// Show switches the attached tmux client to the session.
func (s *TmuxSession) Show() error {
	if os.Getenv("TMUX") == "" {
		return fmt.Errorf("%w: attach with `tmux attach -t %s`", ErrNoTerminal, s.session)
	}
	_, err := s.launcher.run(context.Background(), "tmux", "switch-client", "-t", "="+s.session)
	return err
}

// Prompt types text into the session followed by Enter.
func (s *TmuxSession) Prompt(text string) error {
	ctx := context.Background()
	line := strings.ReplaceAll(text, "\n", " ")
	if _, err := s.launcher.run(ctx, "tmux", "send-keys", "-t", "="+s.session, "-l", "--", line); err != nil {
		return err
	}
	_, err := s.launcher.run(ctx, "tmux", "send-keys", "-t", "="+s.session, "Enter")
	return err
}

// Dispose kills the session. A session that is already gone is not an error.
func (s *TmuxSession) Dispose() error {
	_, err := s.launcher.run(context.Background(), "tmux", "kill-session", "-t", "="+s.session)
	if err != nil && s.launcher.exists(context.Background(), s.session) {
		return err
	}
	return nil
}

// Release stops exit polling without touching the session.
func (s *TmuxSession) Release() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *TmuxSession) watch() {
	ticker := s.launcher.clock.NewTicker(s.launcher.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.launcher.exists(context.Background(), s.session) {
				s.doneOnce.Do(func() { close(s.done) })
				s.launcher.logger.Info("process: tmux session %s ended", s.session)
				return
			}
		}
	}
}

func shellCommand(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
