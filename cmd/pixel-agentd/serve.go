package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pixelagents/internal/buildinfo"
	"pixelagents/internal/config"
	"pixelagents/internal/events"
	"pixelagents/internal/logging"
	"pixelagents/internal/process"
	"pixelagents/internal/registry"
	"pixelagents/internal/server"
	"pixelagents/internal/state"
)

const (
	tmuxSessionPrefix = "pixel-agents"
	shutdownTimeout   = 10 * time.Second
)

func (c *cli) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its HTTP/websocket bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	flags := cmd.Flags()
	flags.String(flagListen, "", "listen address (default 127.0.0.1:7717)")
	flags.String(flagLauncher, "", "process launcher: tmux or process")
	flags.String(flagStateBackend, "", "state backend: file or sqlite")
	flags.String(flagRunner, "", "runner executable started for each agent")
	flags.Int64(flagPollMS, 0, "transcript poll interval in milliseconds")
	flags.String(flagBillyBaseURL, "", "Billy runtime base URL")
	flags.String(flagBillyAskPath, "", "Billy runtime ask path")
	flags.String(flagBillyHealthPath, "", "Billy runtime health path")
	flags.Int64(flagBillyTimeoutMS, 0, "Billy request timeout in milliseconds (>= 1000)")
	return cmd
}

// daemon is everything serve wires together.
type daemon struct {
	cache    *config.RuntimeConfigCache
	watcher  *config.RuntimeConfigWatcher
	store    state.Store
	hub      *events.Hub
	registry *registry.Registry
	server   *server.Server
	logger   logging.Logger
}

func (c *cli) serve(ctx context.Context) error {
	cache, err := config.NewRuntimeConfigCache(func(context.Context) (config.RuntimeConfig, config.Metadata, error) {
		return c.load()
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, meta, _ := cache.Resolve(ctx)
	setupLogging(cfg, os.Stderr)
	logger := logging.NewComponentLogger("pixel-agentd")
	logger.Info("config loaded (launcher=%s from %s, state=%s from %s)",
		cfg.Launcher, meta.Source("launcher"), cfg.StateBackend, meta.Source("state_backend"))

	d, err := c.build(ctx, cache, logger)
	if err != nil {
		return err
	}
	defer d.close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Start(gctx); err != nil {
				logger.Warn("config hot reload disabled: %v", err)
				return nil
			}
			for {
				select {
				case <-gctx.Done():
					d.watcher.Stop()
					return nil
				case <-d.watcher.Updates():
					next := d.cache.Current()
					setupLogging(next, os.Stderr)
					logger.Info("config reloaded from %s", d.watcher.Path())
				}
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (c *cli) build(ctx context.Context, cache *config.RuntimeConfigCache, logger logging.Logger) (*daemon, error) {
	cfg := cache.Current()
	settings, err := registry.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	root, err := cfg.ProductRoot()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}

	store, err := state.Open(cfg.StateBackend, root, cfg.Workspace)
	if err != nil {
		return nil, err
	}
	launcher, err := newLauncher(cfg, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := events.NewHub(logging.NewComponentLogger("events"))
	reg, err := registry.New(launcher, hub, settings,
		registry.WithStore(store),
		registry.WithLogger(logging.NewComponentLogger("registry")),
		registry.WithMetrics(registry.DefaultMetrics()),
		registry.WithBillySource(func() config.BillyConfig { return cache.Current().Billy }),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	srv, err := server.New(server.Config{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        buildinfo.AppVersion(),
		SessionsDir:    func() (string, error) { return cache.Current().EnsureSessionsDir(cfg.Workspace) },
		Gatherer:       prometheus.DefaultGatherer,
	}, reg, hub, logging.NewComponentLogger("server"))
	if err != nil {
		_ = reg.Dispose()
		_ = store.Close()
		return nil, err
	}

	d := &daemon{cache: cache, store: store, hub: hub, registry: reg, server: srv, logger: logger}

	path := c.configPath(cfg)
	if path != "" {
		if _, statErr := os.Stat(filepath.Dir(path)); statErr == nil {
			d.watcher, err = config.NewRuntimeConfigWatcher(path, cache,
				config.WithConfigWatchLogger(logging.NewComponentLogger("config")))
			if err != nil {
				logger.Warn("config hot reload disabled: %v", err)
			}
		}
	}

	if err := reg.EnsureRestored(ctx); err != nil {
		logger.Warn("restore agents: %v", err)
	} else if n := reg.Len(); n > 0 {
		logger.Info("restored %d agent(s)", n)
	}
	return d, nil
}

func newLauncher(cfg config.RuntimeConfig, root string) (process.Launcher, error) {
	switch cfg.Launcher {
	case config.LauncherTmux:
		return process.NewTmuxLauncher(tmuxSessionPrefix,
			process.WithTmuxLogger(logging.NewComponentLogger("tmux"))), nil
	case config.LauncherProcess:
		return process.NewManager(filepath.Join(root, "processes"),
			process.WithManagerLogger(logging.NewComponentLogger("process"))), nil
	}
	return nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
}

// close leaves agent processes running so the next serve reattaches to them.
func (d *daemon) close() {
	if err := d.registry.Dispose(); err != nil {
		d.logger.Warn("dispose registry: %v", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close state store: %v", err)
	}
}
