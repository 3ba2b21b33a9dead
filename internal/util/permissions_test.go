// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLooseStateBox creates a State Box whose files and directories are readable by everyone.
func newLooseStateBox(t *testing.T) *StateBox {
	t.Helper()
	t.Setenv(ReadOnlyEnv, "0")
	sb, err := NewStateBoxAt(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(sb.StateDir(), 0755))
	require.NoError(t, os.MkdirAll(sb.LogsDir(), 0755))
	require.NoError(t, os.WriteFile(sb.KeyPath("llm-supervisor:state"), []byte(`{"mode":"cloud"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.LogsDir(), "audit.jsonl"), []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.RootPath(), "state.db"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.RootPath(), "README.txt"), nil, 0644))
	return sb
}

func TestAuditPermissions(t *testing.T) {
	sb := newLooseStateBox(t)

	results, err := AuditPermissions(sb)
	require.NoError(t, err)

	modes := map[string]AuditResult{}
	for _, r := range results {
		require.NoError(t, r.Error)
		assert.False(t, r.WasCorrected)
		modes[r.Path] = r
	}

	assert.Equal(t, os.FileMode(0700), modes[sb.StateDir()].RequiredMode)
	assert.Equal(t, os.FileMode(0600), modes[sb.KeyPath("llm-supervisor:state")].RequiredMode)
	assert.Equal(t, os.FileMode(0600), modes[filepath.Join(sb.LogsDir(), "audit.jsonl")].RequiredMode)
	assert.Equal(t, os.FileMode(0644), modes[filepath.Join(sb.RootPath(), "state.db")].CurrentMode)
	assert.NotContains(t, modes, filepath.Join(sb.RootPath(), "README.txt"))

	info, err := os.Stat(sb.KeyPath("llm-supervisor:state"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm(), "audit must not modify permissions")
}

func TestHardenPermissions(t *testing.T) {
	sb := newLooseStateBox(t)
	require.NoError(t, HardenPermissions(sb))

	tests := []struct {
		path string
		want os.FileMode
	}{
		{sb.StateDir(), 0700},
		{sb.LogsDir(), 0700},
		{sb.KeyPath("llm-supervisor:state"), 0600},
		{filepath.Join(sb.LogsDir(), "audit.jsonl"), 0600},
		{filepath.Join(sb.RootPath(), "state.db"), 0600},
		{filepath.Join(sb.RootPath(), "README.txt"), 0644},
	}
	for _, tt := range tests {
		info, err := os.Stat(tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.want, info.Mode().Perm(), tt.path)
	}

	results, err := AuditPermissions(sb)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, r.RequiredMode, r.CurrentMode, r.Path)
	}
}

func TestHardenPermissions_ReadOnlyLeavesFilesAlone(t *testing.T) {
	sb := newLooseStateBox(t)
	sb.SetReadOnly(true)
	require.NoError(t, HardenPermissions(sb))

	info, err := os.Stat(sb.KeyPath("llm-supervisor:state"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestHardenPermissions_NonExistentRoot(t *testing.T) {
	sb, err := NewStateBoxAt(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.NoError(t, HardenPermissions(sb))
}

func TestPermissions_NilStateBox(t *testing.T) {
	assert.ErrorIs(t, HardenPermissions(nil), ErrNilStateBox)
	_, err := AuditPermissions(nil)
	assert.ErrorIs(t, err, ErrNilStateBox)
}

func TestIsSensitiveFile(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"llm-supervisor_state.json", true},
		{"state.db", true},
		{"audit.jsonl", true},
		{"llm-supervisor.log", true},
		{"config.JSON", true},
		{"readme.txt", false},
		{"handler.lua", false},
		{"noextension", false},
		{"/path/to/file.json", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, isSensitiveFile(tt.path))
		})
	}
}
