// Package runner is the interactive process that sits in an agent's
// terminal: it forwards prompts to the Billy runtime and appends the
// exchange to the agent's transcript.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"pixelagents/internal/clock"
	"pixelagents/internal/config"
	pxerrors "pixelagents/internal/errors"
	"pixelagents/internal/logging"
	"pixelagents/internal/transcript"
)

const (
	identityAgentID = "billy"
	identityRole    = "primary"

	noMessageText = "No message returned from Billy Runtime."
)

var (
	ErrMissingTranscript = errors.New("missing --transcript-path")
	ErrMissingSession    = errors.New("missing --session-id")
)

// Config is the runner's command line.
type Config struct {
	TranscriptPath string
	SessionID      string
	Billy          config.BillyConfig
}

// Validate normalizes the Billy endpoint and checks required fields.
func (c Config) Validate() (Config, error) {
	if strings.TrimSpace(c.TranscriptPath) == "" {
		return Config{}, ErrMissingTranscript
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return Config{}, ErrMissingSession
	}
	billy, err := c.Billy.Validate()
	if err != nil {
		return Config{}, err
	}
	c.Billy = billy
	return c, nil
}

// LineReader yields one line of user input per call. It returns io.EOF when
// input ends.
type LineReader interface {
	Readline() (string, error)
}

// Asker is the Billy runtime surface the runner needs.
type Asker interface {
	Health(ctx context.Context) error
	Ask(ctx context.Context, prompt, sessionID string) (AskResponse, error)
}

// Options tune a Runner. Zero values pick sensible defaults.
type Options struct {
	Out         io.Writer
	Color       bool
	Clock       clock.Clock
	Logger      logging.Logger
	HealthRetry *pxerrors.RetryConfig
}

var defaultHealthRetry = pxerrors.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    250 * time.Millisecond,
	MaxDelay:     time.Second,
	JitterFactor: 0.25,
}

// Runner runs one REPL session.
type Runner struct {
	cfg    Config
	asker  Asker
	input  LineReader
	outMu  sync.Mutex
	out    io.Writer
	label  *color.Color
	clock  clock.Clock
	logger logging.Logger
	retry  pxerrors.RetryConfig

	writer *transcript.Writer
}

// New builds a runner. cfg must already be validated.
func New(cfg Config, asker Asker, input LineReader, opts Options) *Runner {
	label := color.New(color.FgCyan, color.Bold)
	if !opts.Color {
		label.DisableColor()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	retry := defaultHealthRetry
	if opts.HealthRetry != nil {
		retry = *opts.HealthRetry
	}
	return &Runner{
		cfg:    cfg,
		asker:  asker,
		input:  input,
		out:    out,
		label:  label,
		clock:  clock.OrReal(opts.Clock),
		logger: logging.OrNop(opts.Logger),
		retry:  retry,
	}
}

// Run writes the identity record, probes the runtime and then serves prompts
// until exit, quit, end of input or ctx cancellation. Lines typed while a
// prompt is in flight are refused.
func (r *Runner) Run(ctx context.Context) error {
	writer, err := openTranscript(r.cfg.TranscriptPath)
	if err != nil {
		return err
	}
	r.writer = writer
	defer writer.Close()

	r.append(transcript.IdentityRecord(identityAgentID, identityRole, nil))
	r.checkHealth(ctx)
	r.say("Connected to Billy Runtime. Type your prompt, or `exit` to close.")

	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go r.readLines(stop, lines, readErr)

	turnDone := make(chan struct{}, 1)
	busy := false
	finish := func() {
		if busy {
			<-turnDone
		}
		r.say("Session closed.")
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return ctx.Err()
		case err := <-readErr:
			finish()
			if errors.Is(err, io.EOF) || isInterrupt(err) {
				return nil
			}
			return fmt.Errorf("runner: read input: %w", err)
		case <-turnDone:
			busy = false
		case line := <-lines:
			prompt := strings.TrimSpace(line)
			if prompt == "" {
				continue
			}
			if isExit(prompt) {
				finish()
				return nil
			}
			if busy {
				r.say("Still processing the previous prompt...")
				continue
			}
			busy = true
			go func() {
				r.turn(ctx, prompt)
				turnDone <- struct{}{}
			}()
		}
	}
}

func (r *Runner) readLines(stop <-chan struct{}, lines chan<- string, readErr chan<- error) {
	for {
		line, err := r.input.Readline()
		if isInterrupt(err) && line != "" {
			// ^C with a half-typed line only discards the line.
			continue
		}
		if err != nil {
			readErr <- err
			return
		}
		select {
		case lines <- line:
		case <-stop:
			return
		}
	}
}

// turn runs one prompt: user record, ask, assistant record, optional mode
// and approval records, and always a turn_duration record.
func (r *Runner) turn(ctx context.Context, prompt string) {
	started := r.clock.Now()
	r.append(transcript.UserRecord(prompt))

	resp, err := r.asker.Ask(ctx, prompt, r.cfg.SessionID)
	if err != nil {
		r.logger.Warn("runner: ask failed: %v", err)
		msg := fmt.Sprintf("Billy Runtime request failed: %s. Check the billy settings in your pixel-agents config and ensure Billy Runtime is running.", describe(err))
		r.printAssistant(msg)
		r.append(transcript.AssistantRecord(msg))
	} else {
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = noMessageText
		}
		r.printAssistant(msg)
		r.append(transcript.AssistantRecord(msg))
		if mode, ok := resp.Mode(); ok {
			r.append(transcript.ModeRecord(mode))
		}
		if resp.ApprovalRequired {
			r.append(transcript.ApprovalRequiredRecord())
		}
	}

	elapsed := r.clock.Now().Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	r.append(transcript.TurnDurationRecord(elapsed.Milliseconds()))
}

func (r *Runner) checkHealth(ctx context.Context) {
	err := pxerrors.Retry(ctx, r.retry, r.asker.Health, r.logger)
	if err == nil {
		return
	}
	r.logger.Warn("runner: health check: %v", err)
	if code := StatusCode(err); code != 0 {
		r.say(fmt.Sprintf("Warning: health check failed (%d).", code))
		return
	}
	r.say("Warning: Billy Runtime health check failed. Continuing in offline-retry mode.")
}

func (r *Runner) append(record any) {
	if err := r.writer.Append(record); err != nil {
		r.logger.Error("runner: append transcript: %v", err)
		r.say(fmt.Sprintf("Warning: could not write transcript: %v", err))
	}
}

func (r *Runner) say(msg string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, "%s %s\n", r.label.Sprint("billy>"), msg)
}

func (r *Runner) printAssistant(msg string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	for i, line := range strings.Split(msg, "\n") {
		prefix := r.label.Sprint("billy>")
		if i > 0 {
			prefix = "     "
		}
		fmt.Fprintf(r.out, "%s %s\n", prefix, line)
	}
}

func openTranscript(path string) (*transcript.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runner: create transcript dir: %w", err)
	}
	return transcript.OpenWriter(path)
}

func isExit(prompt string) bool {
	switch strings.ToLower(prompt) {
	case "exit", "quit":
		return true
	}
	return false
}
