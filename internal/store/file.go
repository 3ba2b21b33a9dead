// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/traylinx/llm-supervisor/internal/util"
)

// FileStore persists each key as a JSON file under the State Box state directory.
// Writes are atomic and keep a .bak copy of the previous value.
type FileStore struct {
	sb *util.StateBox
}

// NewFileStore creates a FileStore rooted at sb.StateDir().
func NewFileStore(sb *util.StateBox) *FileStore {
	return &FileStore{sb: sb}
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.sb.KeyPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}
	return data, nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	opts := &util.SecureWriteOptions{CreateBackup: true, Permissions: 0600}
	if err := util.SecureWrite(s.sb, s.sb.KeyPath(key), value, opts); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
