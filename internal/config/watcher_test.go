package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"

	"pixelagents/internal/clock"
)

func TestRuntimeConfigCacheReloadKeepsLastOnError(t *testing.T) {
	var calls atomic.Int64
	cache, err := NewRuntimeConfigCache(func(context.Context) (RuntimeConfig, Metadata, error) {
		if calls.Add(1) == 1 {
			return RuntimeConfig{Launcher: LauncherProcess}, Metadata{}, nil
		}
		return RuntimeConfig{}, Metadata{}, errors.New("boom")
	})
	require.NoError(t, err)

	require.Error(t, cache.Reload(context.Background()))
	require.Equal(t, LauncherProcess, cache.Current().Launcher)
	select {
	case <-cache.Updates():
		t.Fatal("failed reload must not signal")
	default:
	}
}

func TestRuntimeConfigCacheUpdatesCoalesce(t *testing.T) {
	cache, err := NewRuntimeConfigCache(func(context.Context) (RuntimeConfig, Metadata, error) {
		return RuntimeConfig{}, Metadata{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, cache.Reload(context.Background()))
	require.NoError(t, cache.Reload(context.Background()))
	<-cache.Updates()
	select {
	case <-cache.Updates():
		t.Fatal("expected a single pending signal")
	default:
	}
}

func newPrefixFixture(t *testing.T) (string, *RuntimeConfigCache) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terminal_prefix: One\n"), 0o644))

	cache, err := NewRuntimeConfigCache(func(context.Context) (RuntimeConfig, Metadata, error) {
		return Load(WithConfigPath(path), envMap(nil), fixedHome(dir))
	})
	require.NoError(t, err)
	require.Equal(t, "One", cache.Current().TerminalPrefix)
	return path, cache
}

func TestRuntimeConfigWatcherDebouncesReload(t *testing.T) {
	path, cache := newPrefixFixture(t)
	fake := clock.NewFake(time.Unix(0, 0))
	watcher, err := NewRuntimeConfigWatcher(path, cache, WithConfigWatchClock(fake))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("terminal_prefix: Two\n"), 0o644))
	watcher.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	fake.Advance(defaultConfigWatchDebounce - time.Millisecond)
	require.Equal(t, "One", cache.Current().TerminalPrefix)

	// A second event restarts the window.
	watcher.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	fake.Advance(defaultConfigWatchDebounce - time.Millisecond)
	require.Equal(t, "One", cache.Current().TerminalPrefix)

	fake.Advance(time.Millisecond)
	require.Equal(t, "Two", cache.Current().TerminalPrefix)
}

func TestRuntimeConfigWatcherIgnoresOtherFiles(t *testing.T) {
	path, cache := newPrefixFixture(t)
	fake := clock.NewFake(time.Unix(0, 0))
	watcher, err := NewRuntimeConfigWatcher(path, cache, WithConfigWatchClock(fake))
	require.NoError(t, err)

	watcher.handleEvent(fsnotify.Event{Name: filepath.Join(filepath.Dir(path), "other.yaml"), Op: fsnotify.Write})
	watcher.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	require.Zero(t, fake.Pending())
}

func TestRuntimeConfigWatcherReloadsOnWrite(t *testing.T) {
	path, cache := newPrefixFixture(t)
	fake := clock.NewFake(time.Unix(0, 0))
	watcher, err := NewRuntimeConfigWatcher(path, cache, WithConfigWatchClock(fake))
	require.NoError(t, err)
	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("terminal_prefix: Two\n"), 0o644))
	require.Eventually(t, func() bool {
		fake.Advance(defaultConfigWatchDebounce)
		return cache.Current().TerminalPrefix == "Two"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRuntimeConfigWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewRuntimeConfigCache(func(context.Context) (RuntimeConfig, Metadata, error) {
		return RuntimeConfig{}, Metadata{}, nil
	})
	require.NoError(t, err)
	watcher, err := NewRuntimeConfigWatcher(filepath.Join(dir, "config.yaml"), cache)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(context.Background()))
	watcher.Stop()
	watcher.Stop()
}
