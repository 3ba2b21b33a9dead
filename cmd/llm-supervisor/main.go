// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for llm-supervisor, the reference host
// of the supervisor skill.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/traylinx/llm-supervisor/internal/buildinfo"
	"github.com/traylinx/llm-supervisor/internal/cmd"
	"github.com/traylinx/llm-supervisor/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := cmd.NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	logging.CloseLogOutputs()

	if err != nil {
		if strings.Contains(err.Error(), "unknown command") {
			showSuggestion(rootCmd)
		} else {
			fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		}
		os.Exit(1)
	}
}

func showSuggestion(root *cobra.Command) {
	fmt.Fprint(root.ErrOrStderr(), root.UsageString())

	msg := fmt.Sprintf("unknown command %q for %s", os.Args[1], root.CommandPath())
	if suggestions := root.SuggestionsFor(os.Args[1]); len(suggestions) > 0 {
		msg += fmt.Sprintf(". Did you mean %q?", suggestions[0])
	}
	fmt.Fprintf(root.ErrOrStderr(), "\nError: %s\n", msg)
}
