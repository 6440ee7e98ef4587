package registry

import (
	"fmt"
	"time"

	"pixelagents/internal/config"
)

// Settings are the registry's static parameters.
type Settings struct {
	Workspace      string
	SessionsDir    string
	RunnerPath     string
	TerminalPrefix string
	Billy          config.BillyConfig

	PollInterval    time.Duration
	WaitingDelay    time.Duration
	PermissionDelay time.Duration
	ReaderCacheSize int
}

// SettingsFromConfig derives registry settings from the runtime config.
func SettingsFromConfig(cfg config.RuntimeConfig) (Settings, error) {
	if cfg.Workspace == "" {
		return Settings{}, ErrNoWorkspace
	}
	dir, err := cfg.SessionsDir(cfg.Workspace)
	if err != nil {
		return Settings{}, fmt.Errorf("registry: sessions dir: %w", err)
	}
	return Settings{
		Workspace:       cfg.Workspace,
		SessionsDir:     dir,
		RunnerPath:      cfg.RunnerPath,
		TerminalPrefix:  cfg.TerminalPrefix,
		Billy:           cfg.Billy,
		PollInterval:    cfg.PollInterval,
		WaitingDelay:    cfg.WaitingDelay,
		PermissionDelay: cfg.PermissionDelay,
		ReaderCacheSize: cfg.ReaderCacheSize,
	}, nil
}

func (s *Settings) applyDefaults() {
	if s.RunnerPath == "" {
		s.RunnerPath = config.DefaultRunnerPath
	}
	if s.TerminalPrefix == "" {
		s.TerminalPrefix = config.DefaultTerminalPrefix
	}
	if s.PollInterval <= 0 {
		s.PollInterval = config.DefaultPollInterval
	}
	if s.WaitingDelay <= 0 {
		s.WaitingDelay = config.DefaultWaitingDelay
	}
	if s.PermissionDelay <= 0 {
		s.PermissionDelay = config.DefaultPermissionDelay
	}
	if s.ReaderCacheSize <= 0 {
		s.ReaderCacheSize = config.DefaultReaderCacheSize
	}
}
