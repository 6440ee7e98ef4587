package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"golang.org/x/term"
)

const promptText = "you> "

// IsTTY reports whether both stdin and stdout are terminals.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Terminal is the runner's input plus the writer that must be used for
// output while input is being edited.
type Terminal struct {
	LineReader
	Out   io.Writer
	close func() error
}

func (t *Terminal) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// OpenTerminal returns a readline editor when attached to a TTY and a plain
// line scanner otherwise.
func OpenTerminal(historyFile string) (*Terminal, error) {
	if !IsTTY() {
		return &Terminal{LineReader: NewScanner(os.Stdin), Out: os.Stdout}, nil
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptText,
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    false,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: init readline: %w", err)
	}
	return &Terminal{LineReader: rl, Out: rl.Stdout(), close: rl.Close}, nil
}

// Scanner reads newline-terminated input without line editing.
type Scanner struct {
	scanner *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Scanner{scanner: s}
}

func (s *Scanner) Readline() (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func isInterrupt(err error) bool {
	return errors.Is(err, readline.ErrInterrupt)
}
