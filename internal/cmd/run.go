// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cmd assembles the llm-supervisor components into a runtime and
// provides the operations behind the command-line interface: serving the HTTP
// API, invoking a single hook and overriding the mode.
package cmd

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/llm-supervisor/internal/api"
)

const shutdownTimeout = 10 * time.Second

// StartService serves the HTTP API of rt until ctx is cancelled, then shuts the
// server down gracefully.
func StartService(ctx context.Context, rt *Runtime) error {
	cfg := rt.Config()
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	server := api.NewServer(api.Options{
		Skill:      rt.Skill(),
		Supervisor: rt.Supervisor(),
		Hub:        rt.Hub(),
		Config:     rt.Config,
		StateBox:   rt.StateBox(),
		Paths:      rt.Paths(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
