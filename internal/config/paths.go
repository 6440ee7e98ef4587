package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoHome is returned when no home directory could be resolved.
var ErrNoHome = errors.New("home directory unknown")

// ProductRoot is <home>/<product dir>, where state and sessions live.
func (c RuntimeConfig) ProductRoot() (string, error) {
	if strings.TrimSpace(c.HomeDir) == "" {
		return "", ErrNoHome
	}
	return filepath.Join(c.HomeDir, c.ProductDir), nil
}

// SessionsDir returns <home>/<product dir>/sessions/<workspace key>. The key
// replaces ':', '\' and '/' in the workspace path with '-'.
func (c RuntimeConfig) SessionsDir(workspace string) (string, error) {
	root, err := c.ProductRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, c.SessionsDirName, WorkspaceDirKey(workspace)), nil
}

// EnsureSessionsDir is SessionsDir followed by MkdirAll.
func (c RuntimeConfig) EnsureSessionsDir(workspace string) (string, error) {
	dir, err := c.SessionsDir(workspace)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	return dir, nil
}

// WorkspaceDirKey flattens a workspace path into one directory name.
func WorkspaceDirKey(workspace string) string {
	return strings.NewReplacer(":", "-", "\\", "-", "/", "-").Replace(workspace)
}
