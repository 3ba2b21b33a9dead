// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides filesystem helpers shared by the llm-supervisor packages.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	// StateDirEnv overrides the State Box root directory.
	StateDirEnv = "LLM_SUPERVISOR_STATE_DIR"
	// ReadOnlyEnv puts the State Box in read-only mode when set to "1".
	ReadOnlyEnv = "LLM_SUPERVISOR_READONLY"

	defaultStateDir = "~/.llm-supervisor"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StateBox manages the canonical state directory for the supervisor.
// It resolves every path that holds mutable data: persisted records, hook rules,
// Lua plugins and logs.
type StateBox struct {
	rootPath string
	readOnly bool
	mu       sync.RWMutex
}

// NewStateBox creates a new StateBox instance.
// It reads LLM_SUPERVISOR_STATE_DIR and LLM_SUPERVISOR_READONLY from the environment.
// If LLM_SUPERVISOR_STATE_DIR is not set, it defaults to ~/.llm-supervisor.
func NewStateBox() (*StateBox, error) {
	return NewStateBoxAt(os.Getenv(StateDirEnv))
}

// NewStateBoxAt creates a StateBox rooted at dir. An empty dir selects the default root.
func NewStateBoxAt(dir string) (*StateBox, error) {
	if dir == "" {
		dir = defaultStateDir
	}

	resolvedPath, err := ExpandPath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	return &StateBox{
		rootPath: resolvedPath,
		readOnly: os.Getenv(ReadOnlyEnv) == "1",
	}, nil
}

// RootPath returns the resolved State Box root directory.
func (sb *StateBox) RootPath() string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.rootPath
}

// IsReadOnly returns whether the State Box is in read-only mode.
func (sb *StateBox) IsReadOnly() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.readOnly
}

// SetReadOnly toggles read-only mode.
func (sb *StateBox) SetReadOnly(readOnly bool) {
	sb.mu.Lock()
	sb.readOnly = readOnly
	sb.mu.Unlock()
}

// StateDir returns the directory holding persisted key/value records.
func (sb *StateBox) StateDir() string {
	return filepath.Join(sb.RootPath(), "state")
}

// HooksDir returns the directory holding hook rule files.
func (sb *StateBox) HooksDir() string {
	return filepath.Join(sb.RootPath(), "hooks")
}

// PluginsDir returns the directory holding Lua classifier scripts.
func (sb *StateBox) PluginsDir() string {
	return filepath.Join(sb.RootPath(), "plugins")
}

// LogsDir returns the directory holding rotated log files.
func (sb *StateBox) LogsDir() string {
	return filepath.Join(sb.RootPath(), "logs")
}

// KeyPath returns the file path used to persist the record stored under key.
// Characters outside [A-Za-z0-9._-] are replaced so a key can never escape StateDir.
func (sb *StateBox) KeyPath(key string) string {
	name := unsafeKeyChars.ReplaceAllString(key, "_")
	name = strings.Trim(name, ".")
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(sb.StateDir(), name+".json")
}

// ResolvePath joins a relative path with the State Box root.
// If the path is already absolute or starts with tilde, it is returned as-is after cleaning.
func (sb *StateBox) ResolvePath(relativePath string) string {
	if relativePath == "" {
		return sb.RootPath()
	}

	if strings.HasPrefix(relativePath, "~") || filepath.IsAbs(relativePath) {
		cleaned, err := ExpandPath(relativePath)
		if err != nil {
			return filepath.Clean(relativePath)
		}
		return cleaned
	}

	return filepath.Join(sb.RootPath(), relativePath)
}

// EnsureDir creates a directory with secure permissions (0700) if it doesn't exist.
func (sb *StateBox) EnsureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		return nil
	}

	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// ExpandPath expands a leading tilde to the user's home directory and cleans the result.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return filepath.Clean(path), nil
}
