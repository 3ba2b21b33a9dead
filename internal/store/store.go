// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store provides the key/value persistence backends the supervisor keeps
// its record in. Every backend stores opaque byte values under string keys.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/traylinx/llm-supervisor/internal/config"
	"github.com/traylinx/llm-supervisor/internal/util"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("store: key not found")

// Store is a key/value persistence backend.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Close releases resources held by the backend.
	Close() error
}

// Open creates the backend selected by cfg. sb is used by the file backend and
// to resolve relative sqlite paths; it may be nil for the other backends.
func Open(ctx context.Context, cfg config.StateConfig, sb *util.StateBox) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case "", config.BackendFile:
		if sb == nil {
			return nil, fmt.Errorf("store: file backend requires a state box")
		}
		return NewFileStore(sb), nil
	case config.BackendSQLite:
		path := cfg.SQLitePath
		if sb != nil {
			path = sb.ResolvePath(path)
		}
		return OpenSQLite(ctx, path, cfg.Table)
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.Table)
	case config.BackendObject:
		return NewObjectStore(cfg.Object)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
