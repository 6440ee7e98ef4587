// Package process launches and re-finds the interactive agent processes the
// supervisor tracks. Callers only see the Handle capability, so tests can
// substitute a fake launcher.
package process

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no live process carries the requested name.
var ErrNotFound = errors.New("process: not found")

// ErrNoTerminal is returned by Show for processes without a terminal.
var ErrNoTerminal = errors.New("process: no terminal to show")

// Spec describes a process to launch.
type Spec struct {
	// Name is the stable identifying name the process can be found by later.
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Handle is an owned reference to a supervised process.
type Handle interface {
	Name() string
	// Show brings the process's terminal to the foreground.
	Show() error
	// Dispose terminates the process. Calling it twice is harmless.
	Dispose() error
	// Done is closed once the process has been observed to exit.
	Done() <-chan struct{}
}

// Prompter is implemented by handles that accept typed input.
type Prompter interface {
	Prompt(text string) error
}

// Launcher starts processes and re-attaches to ones started earlier.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
	// Find returns the live process started under name, or ErrNotFound.
	Find(ctx context.Context, name string) (Handle, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Key turns a display name such as "Billy #3" into a token safe for file
// names and tmux session names.
func Key(name string) string {
	key := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(name), "_")
	key = strings.Trim(key, "_")
	if key == "" {
		return "process"
	}
	return key
}
