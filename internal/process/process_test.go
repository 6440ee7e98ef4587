package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pixelagents/internal/clock"
)

func TestKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Billy_3", Key("Billy #3"))
	require.Equal(t, "a_b_c", Key("a/b:c"))
	require.Equal(t, "process", Key("  ###  "))
}

type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]bool
	calls    []string
}

func (f *fakeTmux) run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch args[0] {
	case "new-session":
		f.sessions[args[3]] = true
	case "has-session", "kill-session":
		target := strings.TrimPrefix(args[2], "=")
		if !f.sessions[target] {
			return "", errors.New("can't find session")
		}
		if args[0] == "kill-session" {
			delete(f.sessions, target)
		}
	}
	return "", nil
}

func (f *fakeTmux) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTmux) end(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, session)
}

func TestTmuxLaunchFindDispose(t *testing.T) {
	tm := &fakeTmux{sessions: map[string]bool{}}
	fake := clock.NewFake(time.Unix(0, 0))
	l := NewTmuxLauncher("pixel agents", WithCommandRunner(tm.run), WithTmuxClock(fake))

	h, err := l.Launch(context.Background(), Spec{
		Name:    "Billy #1",
		Command: "billy-runner",
		Args:    []string{"--transcript-path", "/tmp/x y/1.jsonl"},
		Dir:     "/work",
	})
	require.NoError(t, err)
	require.Equal(t, "Billy #1", h.Name())
	require.Equal(t, "pixel_agents-Billy_1", h.(*TmuxSession).Session())

	calls := tm.callLog()
	require.Equal(t, "tmux new-session -d -s pixel_agents-Billy_1 -c /work billy-runner --transcript-path '/tmp/x y/1.jsonl'", calls[len(calls)-1])

	_, err = l.Launch(context.Background(), Spec{Name: "Billy #1", Command: "x"})
	require.Error(t, err)

	found, err := l.Find(context.Background(), "Billy #1")
	require.NoError(t, err)
	require.NoError(t, found.(Prompter).Prompt("hi\nthere"))
	calls = tm.callLog()
	require.Contains(t, calls, "tmux send-keys -t =pixel_agents-Billy_1 -l -- hi there")

	_, err = l.Find(context.Background(), "Billy #2")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.Dispose())
	require.NoError(t, h.Dispose())
}

func TestTmuxDoneWhenSessionEnds(t *testing.T) {
	tm := &fakeTmux{sessions: map[string]bool{}}
	fake := clock.NewFake(time.Unix(0, 0))
	l := NewTmuxLauncher("pa", WithCommandRunner(tm.run), WithTmuxClock(fake), WithTmuxPoll(time.Second))

	h, err := l.Launch(context.Background(), Spec{Name: "Billy #4", Command: "true"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)
	fake.Advance(time.Second)
	select {
	case <-h.Done():
		t.Fatal("session still exists")
	case <-time.After(20 * time.Millisecond):
	}

	tm.end("pa-Billy_4")
	require.Eventually(t, func() bool {
		fake.Advance(time.Second)
		select {
		case <-h.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	require.Equal(t, "plain-arg", shellQuote("plain-arg"))
	require.Equal(t, "''", shellQuote(""))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
	require.Equal(t, "http://127.0.0.1:5001", shellQuote("http://127.0.0.1:5001"))
}

func TestManagerLaunchPromptFindDispose(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	dir := t.TempDir()
	m := NewManager(dir, WithStopGrace(2*time.Second))

	h, err := m.Launch(context.Background(), Spec{Name: "Billy #1", Command: "cat"})
	require.NoError(t, err)
	mp := h.(*ManagedProcess)
	require.FileExists(t, mp.PIDFile)

	require.NoError(t, mp.Prompt("hello"))
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(mp.LogFile)
		return strings.Contains(string(data), "hello")
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, h.Show(), ErrNoTerminal)

	// A second manager over the same directory models a restarted supervisor.
	other := NewManager(dir, WithLivenessPoll(20*time.Millisecond))
	found, err := other.Find(context.Background(), "Billy #1")
	require.NoError(t, err)
	require.Equal(t, mp.PID, found.(*ManagedProcess).PID)

	_, err = other.Find(context.Background(), "Billy #2")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.Dispose())
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("launched process did not exit")
	}
	select {
	case <-found.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("recovered process exit was not observed")
	}
	require.NoFileExists(t, mp.PIDFile)
}

func TestFakeLauncher(t *testing.T) {
	t.Parallel()

	f := NewFakeLauncher()
	h, err := f.Launch(context.Background(), Spec{Name: "Billy #1"})
	require.NoError(t, err)

	found, err := f.Find(context.Background(), "Billy #1")
	require.NoError(t, err)
	require.Same(t, h, found)

	require.NoError(t, h.Dispose())
	_, err = f.Find(context.Background(), "Billy #1")
	require.ErrorIs(t, err, ErrNotFound)

	f.LaunchErr = errors.New("boom")
	_, err = f.Launch(context.Background(), Spec{Name: "Billy #2"})
	require.Error(t, err)
}
