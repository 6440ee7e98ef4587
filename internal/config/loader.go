package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigPath      = "PIXEL_AGENTS_CONFIG"
	EnvWorkspace       = "PIXEL_AGENTS_WORKSPACE"
	EnvHome            = "PIXEL_AGENTS_HOME"
	EnvBillyBaseURL    = "PIXEL_AGENTS_BILLY_BASE_URL"
	EnvBillyAskPath    = "PIXEL_AGENTS_BILLY_ASK_PATH"
	EnvBillyHealthPath = "PIXEL_AGENTS_BILLY_HEALTH_PATH"
	EnvBillyTimeoutMs  = "PIXEL_AGENTS_BILLY_TIMEOUT_MS"
	EnvRunner          = "PIXEL_AGENTS_RUNNER"
	EnvLauncher        = "PIXEL_AGENTS_LAUNCHER"
	EnvPollMs          = "PIXEL_AGENTS_POLL_MS"
	EnvStateBackend    = "PIXEL_AGENTS_STATE_BACKEND"
	EnvListen          = "PIXEL_AGENTS_LISTEN"
	EnvLogLevel        = "PIXEL_AGENTS_LOG_LEVEL"
	EnvLogFormat       = "PIXEL_AGENTS_LOG_FORMAT"
)

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	workingDir func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// WithWorkingDir overrides how the default workspace is resolved.
func WithWorkingDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.workingDir = resolver
	}
}

// Load constructs the runtime configuration by merging defaults, file, env and overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup:  DefaultEnvLookup,
		readFile:   os.ReadFile,
		homeDir:    os.UserHomeDir,
		workingDir: os.Getwd,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := defaults(options)

	path := ResolveConfigPath(options.configPath, options.envLookup, cfg.HomeDir, options.envHome())
	if err := applyFile(&cfg, &meta, path, options.readFile); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	if err := normalize(&cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func (o loadOptions) envHome() string {
	if o.envLookup == nil {
		return ""
	}
	value, _ := o.envLookup(EnvHome)
	return strings.TrimSpace(value)
}

func defaults(opts loadOptions) RuntimeConfig {
	cfg := RuntimeConfig{
		ProductDir:      DefaultProductDir,
		SessionsDirName: DefaultSessionsDirName,
		Billy: BillyConfig{
			BaseURL:        DefaultBillyBaseURL,
			AskPath:        DefaultBillyAskPath,
			HealthPath:     DefaultBillyHealthPath,
			RequestTimeout: DefaultBillyTimeout,
		},
		RunnerPath:      DefaultRunnerPath,
		Launcher:        LauncherTmux,
		TerminalPrefix:  DefaultTerminalPrefix,
		PollInterval:    DefaultPollInterval,
		WaitingDelay:    DefaultWaitingDelay,
		PermissionDelay: DefaultPermissionDelay,
		ReaderCacheSize: DefaultReaderCacheSize,
		StateBackend:    StateBackendFile,
		ListenAddr:      DefaultListenAddr,
		LogLevel:        "info",
		LogFormat:       "text",
	}
	if opts.homeDir != nil {
		if home, err := opts.homeDir(); err == nil {
			cfg.HomeDir = home
		}
	}
	if opts.workingDir != nil {
		if wd, err := opts.workingDir(); err == nil {
			cfg.Workspace = wd
		}
	}
	return cfg
}

// ResolveConfigPath returns the explicit path, $PIXEL_AGENTS_CONFIG, or
// <home>/.pixel-agents/config.yaml in that order. envHome wins over home.
func ResolveConfigPath(explicit string, lookup EnvLookup, home, envHome string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if lookup != nil {
		if p, ok := lookup(EnvConfigPath); ok && strings.TrimSpace(p) != "" {
			return strings.TrimSpace(p)
		}
	}
	if envHome != "" {
		home = envHome
	}
	if home == "" {
		return ""
	}
	return filepath.Join(home, DefaultProductDir, "config.yaml")
}

type fileConfig struct {
	Workspace       string     `yaml:"workspace" toml:"workspace"`
	HomeDir         string     `yaml:"home_dir" toml:"home_dir"`
	ProductDir      string     `yaml:"product_dir" toml:"product_dir"`
	SessionsDirName string     `yaml:"sessions_dir_name" toml:"sessions_dir_name"`
	Billy           *fileBilly `yaml:"billy" toml:"billy"`
	RunnerPath      string     `yaml:"runner_path" toml:"runner_path"`
	Launcher        string     `yaml:"launcher" toml:"launcher"`
	TerminalPrefix  string     `yaml:"terminal_prefix" toml:"terminal_prefix"`
	PollIntervalMs  *int64     `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	WaitingDelayMs  *int64     `yaml:"waiting_delay_ms" toml:"waiting_delay_ms"`
	PermissionMs    *int64     `yaml:"permission_delay_ms" toml:"permission_delay_ms"`
	ReaderCacheSize *int       `yaml:"reader_cache_size" toml:"reader_cache_size"`
	StateBackend    string     `yaml:"state_backend" toml:"state_backend"`
	ListenAddr      string     `yaml:"listen_addr" toml:"listen_addr"`
	AllowedOrigins  []string   `yaml:"allowed_origins" toml:"allowed_origins"`
	LogLevel        string     `yaml:"log_level" toml:"log_level"`
	LogFormat       string     `yaml:"log_format" toml:"log_format"`
}

type fileBilly struct {
	BaseURL          string `yaml:"base_url" toml:"base_url"`
	AskPath          string `yaml:"ask_path" toml:"ask_path"`
	HealthPath       string `yaml:"health_path" toml:"health_path"`
	RequestTimeoutMs *int64 `yaml:"request_timeout_ms" toml:"request_timeout_ms"`
}

func decodeFile(path string, data []byte) (fileConfig, error) {
	var parsed fileConfig
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(data), &parsed)
	} else {
		err = yaml.Unmarshal(data, &parsed)
	}
	return parsed, err
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, path string, readFile func(string) ([]byte, error)) error {
	if path == "" {
		return nil
	}
	data, err := readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	parsed, err := decodeFile(path, data)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	meta.path = path

	set := func(field string, dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
			meta.sources[field] = SourceFile
		}
	}
	setMs := func(field string, dst *time.Duration, value *int64) {
		if value != nil {
			*dst = time.Duration(*value) * time.Millisecond
			meta.sources[field] = SourceFile
		}
	}

	set("workspace", &cfg.Workspace, parsed.Workspace)
	set("home_dir", &cfg.HomeDir, parsed.HomeDir)
	set("product_dir", &cfg.ProductDir, parsed.ProductDir)
	set("sessions_dir_name", &cfg.SessionsDirName, parsed.SessionsDirName)
	if parsed.Billy != nil {
		set("billy.base_url", &cfg.Billy.BaseURL, parsed.Billy.BaseURL)
		set("billy.ask_path", &cfg.Billy.AskPath, parsed.Billy.AskPath)
		set("billy.health_path", &cfg.Billy.HealthPath, parsed.Billy.HealthPath)
		setMs("billy.request_timeout_ms", &cfg.Billy.RequestTimeout, parsed.Billy.RequestTimeoutMs)
	}
	set("runner_path", &cfg.RunnerPath, parsed.RunnerPath)
	set("launcher", &cfg.Launcher, parsed.Launcher)
	set("terminal_prefix", &cfg.TerminalPrefix, parsed.TerminalPrefix)
	setMs("poll_interval_ms", &cfg.PollInterval, parsed.PollIntervalMs)
	setMs("waiting_delay_ms", &cfg.WaitingDelay, parsed.WaitingDelayMs)
	setMs("permission_delay_ms", &cfg.PermissionDelay, parsed.PermissionMs)
	if parsed.ReaderCacheSize != nil {
		cfg.ReaderCacheSize = *parsed.ReaderCacheSize
		meta.sources["reader_cache_size"] = SourceFile
	}
	set("state_backend", &cfg.StateBackend, parsed.StateBackend)
	set("listen_addr", &cfg.ListenAddr, parsed.ListenAddr)
	if parsed.AllowedOrigins != nil {
		cfg.AllowedOrigins = append([]string(nil), parsed.AllowedOrigins...)
		meta.sources["allowed_origins"] = SourceFile
	}
	set("log_level", &cfg.LogLevel, parsed.LogLevel)
	set("log_format", &cfg.LogFormat, parsed.LogFormat)
	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) error {
	if lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	set := func(field, key string, dst *string) {
		if value, ok := get(key); ok {
			*dst = value
			meta.sources[field] = SourceEnv
		}
	}
	setMs := func(field, key string, dst *time.Duration) error {
		value, ok := get(key)
		if !ok {
			return nil
		}
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = time.Duration(ms) * time.Millisecond
		meta.sources[field] = SourceEnv
		return nil
	}

	set("workspace", EnvWorkspace, &cfg.Workspace)
	set("home_dir", EnvHome, &cfg.HomeDir)
	set("billy.base_url", EnvBillyBaseURL, &cfg.Billy.BaseURL)
	set("billy.ask_path", EnvBillyAskPath, &cfg.Billy.AskPath)
	set("billy.health_path", EnvBillyHealthPath, &cfg.Billy.HealthPath)
	if err := setMs("billy.request_timeout_ms", EnvBillyTimeoutMs, &cfg.Billy.RequestTimeout); err != nil {
		return err
	}
	set("runner_path", EnvRunner, &cfg.RunnerPath)
	set("launcher", EnvLauncher, &cfg.Launcher)
	if err := setMs("poll_interval_ms", EnvPollMs, &cfg.PollInterval); err != nil {
		return err
	}
	set("state_backend", EnvStateBackend, &cfg.StateBackend)
	set("listen_addr", EnvListen, &cfg.ListenAddr)
	set("log_level", EnvLogLevel, &cfg.LogLevel)
	set("log_format", EnvLogFormat, &cfg.LogFormat)
	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	str := func(field string, dst *string, value *string) {
		if value != nil && strings.TrimSpace(*value) != "" {
			*dst = strings.TrimSpace(*value)
			meta.sources[field] = SourceOverride
		}
	}
	dur := func(field string, dst *time.Duration, value *time.Duration) {
		if value != nil {
			*dst = *value
			meta.sources[field] = SourceOverride
		}
	}

	str("workspace", &cfg.Workspace, overrides.Workspace)
	str("home_dir", &cfg.HomeDir, overrides.HomeDir)
	str("billy.base_url", &cfg.Billy.BaseURL, overrides.BillyBaseURL)
	str("billy.ask_path", &cfg.Billy.AskPath, overrides.BillyAskPath)
	str("billy.health_path", &cfg.Billy.HealthPath, overrides.BillyHealthPath)
	dur("billy.request_timeout_ms", &cfg.Billy.RequestTimeout, overrides.BillyTimeout)
	str("runner_path", &cfg.RunnerPath, overrides.RunnerPath)
	str("launcher", &cfg.Launcher, overrides.Launcher)
	dur("poll_interval_ms", &cfg.PollInterval, overrides.PollInterval)
	str("state_backend", &cfg.StateBackend, overrides.StateBackend)
	str("listen_addr", &cfg.ListenAddr, overrides.ListenAddr)
	str("log_level", &cfg.LogLevel, overrides.LogLevel)
	str("log_format", &cfg.LogFormat, overrides.LogFormat)
}

func normalize(cfg *RuntimeConfig) error {
	cfg.Launcher = strings.ToLower(cfg.Launcher)
	switch cfg.Launcher {
	case LauncherTmux, LauncherProcess:
	default:
		return fmt.Errorf("unknown launcher %q (want %s or %s)", cfg.Launcher, LauncherTmux, LauncherProcess)
	}
	cfg.StateBackend = strings.ToLower(cfg.StateBackend)
	switch cfg.StateBackend {
	case StateBackendFile, StateBackendSQLite:
	default:
		return fmt.Errorf("unknown state backend %q (want %s or %s)", cfg.StateBackend, StateBackendFile, StateBackendSQLite)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WaitingDelay <= 0 {
		cfg.WaitingDelay = DefaultWaitingDelay
	}
	if cfg.PermissionDelay <= 0 {
		cfg.PermissionDelay = DefaultPermissionDelay
	}
	if cfg.ReaderCacheSize <= 0 {
		cfg.ReaderCacheSize = DefaultReaderCacheSize
	}
	if cfg.Workspace != "" {
		if abs, err := filepath.Abs(cfg.Workspace); err == nil {
			cfg.Workspace = abs
		}
	}
	return nil
}
