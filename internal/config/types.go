// Package config resolves the supervisor's runtime configuration from
// defaults, an optional YAML or TOML file, the environment and caller
// overrides, and keeps a hot-reloadable snapshot of it.
package config

import (
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Defaults.
const (
	DefaultProductDir      = ".pixel-agents"
	DefaultSessionsDirName = "sessions"
	DefaultRunnerPath      = "billy-runner"
	DefaultTerminalPrefix  = "Billy"
	DefaultListenAddr      = "127.0.0.1:7717"
	DefaultReaderCacheSize = 64

	DefaultPollInterval    = time.Second
	DefaultWaitingDelay    = 5 * time.Second
	DefaultPermissionDelay = 7 * time.Second

	DefaultBillyBaseURL    = "http://127.0.0.1:5001"
	DefaultBillyAskPath    = "/ask"
	DefaultBillyHealthPath = "/health"
	DefaultBillyTimeout    = 60 * time.Second
	MinBillyTimeout        = time.Second
)

// Launcher kinds.
const (
	LauncherTmux    = "tmux"
	LauncherProcess = "process"
)

// Backend kinds for durable state.
const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
)

// RuntimeConfig captures every value the supervisor and its binaries need.
type RuntimeConfig struct {
	Workspace       string
	HomeDir         string
	ProductDir      string
	SessionsDirName string

	Billy BillyConfig

	RunnerPath     string
	Launcher       string
	TerminalPrefix string

	PollInterval    time.Duration
	WaitingDelay    time.Duration
	PermissionDelay time.Duration
	ReaderCacheSize int

	StateBackend   string
	ListenAddr     string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string
}

// BillyConfig is the raw, unvalidated endpoint configuration handed to new
// runners. Use Validate to obtain the normalized form.
type BillyConfig struct {
	BaseURL        string
	AskPath        string
	HealthPath     string
	RequestTimeout time.Duration
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
	path     string
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Sources returns a copy of the provenance map.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for k, v := range m.sources {
		out[k] = v
	}
	return out
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Path is the config file that was read, empty when none existed.
func (m Metadata) Path() string {
	return m.path
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	Workspace       *string
	HomeDir         *string
	BillyBaseURL    *string
	BillyAskPath    *string
	BillyHealthPath *string
	BillyTimeout    *time.Duration
	RunnerPath      *string
	Launcher        *string
	PollInterval    *time.Duration
	StateBackend    *string
	ListenAddr      *string
	LogLevel        *string
	LogFormat       *string
}
