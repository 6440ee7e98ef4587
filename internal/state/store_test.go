package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(dir, workspace string) Store {
	t.Helper()
	return map[string]func(dir, workspace string) Store{
		BackendFile: func(dir, workspace string) Store {
			s, err := Open(BackendFile, dir, workspace)
			require.NoError(t, err)
			return s
		},
		BackendSQLite: func(dir, workspace string) Store {
			s, err := Open(BackendSQLite, dir, workspace)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoresRoundTripAcrossReopen(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			s := open(dir, "/home/me/project")
			records := []AgentRecord{
				{ID: 1, SessionID: "a", TerminalName: "Billy #1", JSONLFile: "/x/1.jsonl", ProjectDir: "/x"},
				{ID: 4, SessionID: "b", TerminalName: "Billy #2", JSONLFile: "/x/4.jsonl", ProjectDir: "/x"},
			}
			require.NoError(t, SaveAgents(ctx, s, records))
			require.NoError(t, SaveSeats(ctx, s, map[int]json.RawMessage{4: json.RawMessage(`{"seatId":"s1"}`)}))
			require.NoError(t, s.Close())

			s = open(dir, "/home/me/project")
			defer s.Close()
			got, err := LoadAgents(ctx, s)
			require.NoError(t, err)
			require.Equal(t, records, got)

			seats, err := LoadSeats(ctx, s)
			require.NoError(t, err)
			require.JSONEq(t, `{"seatId":"s1"}`, string(seats[4]))

			other := open(dir, "/home/me/elsewhere")
			defer other.Close()
			none, err := LoadAgents(ctx, other)
			require.NoError(t, err)
			require.Empty(t, none)

			require.NoError(t, s.Delete(ctx, AgentsKey))
			require.NoError(t, s.Delete(ctx, AgentsKey))
			_, ok, err := s.Get(ctx, AgentsKey)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSaveAgentsOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), "/w")
	require.NoError(t, err)

	require.NoError(t, SaveAgents(ctx, s, []AgentRecord{{ID: 1}, {ID: 2}}))
	require.NoError(t, SaveAgents(ctx, s, nil))

	raw, ok, err := s.Get(ctx, AgentsKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[]`, string(raw))
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, WorkspaceKey("/w")+".json"), []byte("{nope"), 0o644))
	_, err := NewFileStore(dir, "/w")
	require.Error(t, err)
}

func TestLoadAgentsReportsCorruptValue(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), "/w")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, AgentsKey, json.RawMessage(`{"not":"a list"}`)))

	_, err = LoadAgents(ctx, s)
	require.Error(t, err)
}

func TestClosedFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), "/w")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Put(context.Background(), "k", json.RawMessage(`1`)), ErrClosed)
}

func TestWorkspaceKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "-home-me-project", WorkspaceKey("/home/me/project"))
	require.Equal(t, "C--Users-me", WorkspaceKey(`C:\Users\me`))
	require.Equal(t, "default", WorkspaceKey(""))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir(), "/w")
	require.Error(t, err)
}
