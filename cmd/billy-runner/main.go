// Command billy-runner is the REPL started inside each agent terminal. It
// relays prompts to the Billy runtime and records the exchange in the
// agent's transcript.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pixelagents/internal/config"
	"pixelagents/internal/logging"
	"pixelagents/internal/runner"
)

const historyFileName = "billy_history"

type terminalOpener func() (*runner.Terminal, error)

type flags struct {
	transcriptPath string
	baseURL        string
	askPath        string
	healthPath     string
	timeoutMs      int64
	sessionID      string
}

func newCommand(open terminalOpener, stderr io.Writer) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "billy-runner",
		Short:         "Interactive Billy session bound to one transcript",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := runner.Config{
				TranscriptPath: f.transcriptPath,
				SessionID:      f.sessionID,
				Billy: config.BillyConfig{
					BaseURL:        f.baseURL,
					AskPath:        f.askPath,
					HealthPath:     f.healthPath,
					RequestTimeout: time.Duration(f.timeoutMs) * time.Millisecond,
				},
			}.Validate()
			if err != nil {
				return err
			}

			term, err := open()
			if err != nil {
				return err
			}
			defer term.Close()

			logging.Setup(logging.Config{Level: "warn", Output: stderr})
			logger := logging.NewComponentLogger("billy-runner")
			r := runner.New(cfg, runner.NewClient(cfg.Billy, logger), term, runner.Options{
				Out:    term.Out,
				Color:  runner.IsTTY(),
				Logger: logger,
			})
			return r.Run(cmd.Context())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.transcriptPath, "transcript-path", "", "JSONL transcript to append to")
	fs.StringVar(&f.baseURL, "base-url", "", "Billy runtime base URL")
	fs.StringVar(&f.askPath, "ask-path", "", "ask endpoint path")
	fs.StringVar(&f.healthPath, "health-path", "", "health endpoint path")
	fs.Int64Var(&f.timeoutMs, "timeout-ms", 0, "request timeout in milliseconds (>= 1000)")
	fs.StringVar(&f.sessionID, "session-id", "", "Billy session id")
	for _, name := range []string{"transcript-path", "base-url", "ask-path", "health-path", "timeout-ms", "session-id"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// historyFile keeps readline history under the product directory, or
// disables it when no home directory is known.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, config.DefaultProductDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, historyFileName)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	open := func() (*runner.Terminal, error) { return runner.OpenTerminal(historyFile()) }
	err := newCommand(open, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "billy> Startup error: %v\n", err)
		os.Exit(1)
	}
}
