package config

import (
	"context"
	"fmt"
	"sync"
)

// RuntimeLoader produces a fresh configuration snapshot.
type RuntimeLoader func(context.Context) (RuntimeConfig, Metadata, error)

// RuntimeConfigCache holds the latest successfully loaded snapshot.
type RuntimeConfigCache struct {
	loader RuntimeLoader

	mu      sync.RWMutex
	cfg     RuntimeConfig
	meta    Metadata
	updates chan struct{}
}

// NewRuntimeConfigCache loads the initial snapshot eagerly.
func NewRuntimeConfigCache(loader RuntimeLoader) (*RuntimeConfigCache, error) {
	if loader == nil {
		return nil, fmt.Errorf("runtime config loader required")
	}
	cache := &RuntimeConfigCache{
		loader:  loader,
		updates: make(chan struct{}, 1),
	}
	cfg, meta, err := loader(context.Background())
	if err != nil {
		return nil, err
	}
	cache.cfg, cache.meta = cfg, meta
	return cache, nil
}

// Resolve returns the cached snapshot.
func (c *RuntimeConfigCache) Resolve(context.Context) (RuntimeConfig, Metadata, error) {
	if c == nil {
		return RuntimeConfig{}, Metadata{}, fmt.Errorf("runtime config cache is nil")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.meta, nil
}

// Current is Resolve without the error.
func (c *RuntimeConfigCache) Current() RuntimeConfig {
	cfg, _, _ := c.Resolve(context.Background())
	return cfg
}

// Reload re-runs the loader. On failure the previous snapshot is kept.
func (c *RuntimeConfigCache) Reload(ctx context.Context) error {
	cfg, meta, err := c.loader(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg, c.meta = cfg, meta
	c.mu.Unlock()

	select {
	case c.updates <- struct{}{}:
	default:
	}
	return nil
}

// Updates signals after each successful reload. Signals coalesce.
func (c *RuntimeConfigCache) Updates() <-chan struct{} {
	return c.updates
}
