// Package state persists small per-workspace values across supervisor
// restarts: the agent registry and presentation seat metadata.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Keys used by the supervisor.
const (
	AgentsKey = "pixel-agents.agents"
	SeatsKey  = "pixel-agents.agentSeats"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state: store closed")

// Store is a durable key/value store scoped to one workspace. Values are
// JSON documents.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// AgentRecord is the durable projection of one agent.
type AgentRecord struct {
	ID           int    `json:"id"`
	SessionID    string `json:"sessionId"`
	TerminalName string `json:"terminalName"`
	JSONLFile    string `json:"jsonlFile"`
	ProjectDir   string `json:"projectDir"`
}

// LoadAgents returns the persisted agent records, or none when the key is
// absent. A corrupt value is reported as an error.
func LoadAgents(ctx context.Context, s Store) ([]AgentRecord, error) {
	var records []AgentRecord
	if _, err := getJSON(ctx, s, AgentsKey, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SaveAgents replaces the persisted agent records.
func SaveAgents(ctx context.Context, s Store, records []AgentRecord) error {
	if records == nil {
		records = []AgentRecord{}
	}
	return putJSON(ctx, s, AgentsKey, records)
}

// LoadSeats returns the opaque per-agent seat metadata.
func LoadSeats(ctx context.Context, s Store) (map[int]json.RawMessage, error) {
	seats := map[int]json.RawMessage{}
	if _, err := getJSON(ctx, s, SeatsKey, &seats); err != nil {
		return nil, err
	}
	return seats, nil
}

// SaveSeats replaces the seat metadata.
func SaveSeats(ctx context.Context, s Store, seats map[int]json.RawMessage) error {
	if seats == nil {
		seats = map[int]json.RawMessage{}
	}
	return putJSON(ctx, s, SeatsKey, seats)
}

func getJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open opens the store for workspace under dir using the named backend.
func Open(backend, dir, workspace string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(filepath.Join(dir, "state"), workspace)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, "state.db"), workspace)
	}
	return nil, fmt.Errorf("state: unknown backend %q", backend)
}
