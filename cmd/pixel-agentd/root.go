package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pixelagents/internal/config"
	"pixelagents/internal/logging"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

// Flag names double as viper keys.
const (
	flagConfig          = "config"
	flagWorkspace       = "workspace"
	flagHome            = "home"
	flagLogLevel        = "log-level"
	flagLogFormat       = "log-format"
	flagListen          = "listen"
	flagLauncher        = "launcher"
	flagStateBackend    = "state-backend"
	flagRunner          = "runner"
	flagPollMS          = "poll-ms"
	flagBillyBaseURL    = "billy-base-url"
	flagBillyAskPath    = "billy-ask-path"
	flagBillyHealthPath = "billy-health-path"
	flagBillyTimeoutMS  = "billy-timeout-ms"
)

// cli carries state shared by every subcommand.
type cli struct {
	v   *viper.Viper
	env config.EnvLookup
}

// NewRootCommand builds the pixel-agentd command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(config.DefaultEnvLookup)
}

func newRootCommand(env config.EnvLookup) *cobra.Command {
	c := &cli{v: viper.New(), env: env}

	root := &cobra.Command{
		Use:   "pixel-agentd",
		Short: "Supervise Billy agents and stream their activity",
		Long: fmt.Sprintf(`%s

pixel-agentd launches Billy runner processes, follows the transcripts they
write and publishes what each agent is doing over HTTP and a websocket.

%s
  pixel-agentd serve                     # run the supervisor
  pixel-agentd agents                    # list persisted agents
  pixel-agentd sessions-dir              # print the transcript directory`,
			bold("pixel-agentd"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(flagConfig, "", "config file (default $PIXEL_AGENTS_CONFIG or ~/.pixel-agents/config.yaml)")
	flags.String(flagWorkspace, "", "workspace directory (default: current directory)")
	flags.String(flagHome, "", "home directory holding .pixel-agents")
	flags.String(flagLogLevel, "", "log level: debug, info, warn, error")
	flags.String(flagLogFormat, "", "log format: text or json")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return c.v.BindPFlags(cmd.Flags())
	}

	root.AddCommand(
		c.newServeCommand(),
		c.newSessionsDirCommand(),
		c.newAgentsCommand(),
		newVersionCommand(),
	)
	return root
}

// load resolves the runtime configuration with flags as overrides.
func (c *cli) load() (config.RuntimeConfig, config.Metadata, error) {
	return config.Load(c.loadOptions()...)
}

func (c *cli) loadOptions() []config.Option {
	opts := []config.Option{
		config.WithEnv(c.env),
		config.WithOverrides(overridesFromViper(c.v)),
	}
	if path := strings.TrimSpace(c.v.GetString(flagConfig)); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	if home := strings.TrimSpace(c.v.GetString(flagHome)); home != "" {
		opts = append(opts, config.WithHomeDir(func() (string, error) { return home, nil }))
	}
	return opts
}

// configPath is the file the loader reads, whether or not it exists.
func (c *cli) configPath(cfg config.RuntimeConfig) string {
	envHome := ""
	if c.env != nil {
		if v, ok := c.env(config.EnvHome); ok {
			envHome = strings.TrimSpace(v)
		}
	}
	return config.ResolveConfigPath(c.v.GetString(flagConfig), c.env, cfg.HomeDir, envHome)
}

// overridesFromViper turns flags changed on the command line into config
// overrides. viper only reports a bound flag as set once it was changed, so
// untouched flags leave file and environment values alone.
func overridesFromViper(v *viper.Viper) config.Overrides {
	var o config.Overrides
	str := func(key string) *string {
		if !v.IsSet(key) {
			return nil
		}
		s := strings.TrimSpace(v.GetString(key))
		if s == "" {
			return nil
		}
		return &s
	}
	millis := func(key string) *time.Duration {
		if !v.IsSet(key) {
			return nil
		}
		ms := v.GetInt64(key)
		if ms <= 0 {
			return nil
		}
		d := time.Duration(ms) * time.Millisecond
		return &d
	}

	o.Workspace = str(flagWorkspace)
	o.HomeDir = str(flagHome)
	o.LogLevel = str(flagLogLevel)
	o.LogFormat = str(flagLogFormat)
	o.ListenAddr = str(flagListen)
	o.Launcher = str(flagLauncher)
	o.StateBackend = str(flagStateBackend)
	o.RunnerPath = str(flagRunner)
	o.PollInterval = millis(flagPollMS)
	o.BillyBaseURL = str(flagBillyBaseURL)
	o.BillyAskPath = str(flagBillyAskPath)
	o.BillyHealthPath = str(flagBillyHealthPath)
	o.BillyTimeout = millis(flagBillyTimeoutMS)
	return o
}

func setupLogging(cfg config.RuntimeConfig, out io.Writer) {
	logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: out})
}
