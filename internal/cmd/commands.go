package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/traylinx/llm-supervisor/internal/buildinfo"
	"github.com/traylinx/llm-supervisor/internal/supervisor"
	"github.com/traylinx/llm-supervisor/internal/util"
)

const (
	configFileName  = "config.yaml"
	maxHookPayload  = 1 << 20
	defaultEnvFile  = ".env"
	reasonFlagUsage = "Note recorded in the audit log and notification"
)

// rootFlags are the persistent flags shared by every command.
type rootFlags struct {
	configPath string
	stateDir   string
}

func (f *rootFlags) options() (Options, error) {
	opts := Options{ConfigPath: f.configPath, StateDir: f.stateDir}
	if opts.ConfigPath != "" {
		return opts, nil
	}
	sb, err := util.NewStateBoxAt(f.stateDir)
	if err != nil {
		return opts, err
	}
	opts.ConfigPath = filepath.Join(sb.RootPath(), configFileName)
	return opts, nil
}

// NewRootCmd builds the llm-supervisor command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "llm-supervisor",
		Short: "Switch an agent to a local model when its cloud provider is rate limited",
		Long: `llm-supervisor watches the provider errors of an agent. When the cloud
provider is rate limited or overloaded it switches the agent to a local model,
blocks code-changing tasks until the user confirms them, and returns to the
cloud profile once the cooldown has elapsed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Configuration file (default <state-dir>/config.yaml)")
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "State Box directory (default ~/.llm-supervisor)")

	root.AddCommand(
		newServeCmd(flags),
		newHookCmd(flags),
		newStatusCmd(flags),
		newForceCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadDotEnv loads .env from the working directory. A missing file is not an error.
func loadDotEnv() error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	if err = godotenv.Load(filepath.Join(wd, defaultEnvFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", defaultEnvFile, err)
	}
	return nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the hook and state HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			opts.Watch = true
			opts.Hub = true

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := NewRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err = StartService(ctx, rt); err != nil {
				return err
			}
			log.Info("llm-supervisor stopped")
			return nil
		},
	}
}

func newHookCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "hook <name>",
		Short: "Run one hook with the event JSON read from stdin",
		Long: `Run one hook the way an agent host would. The event is read from stdin as
a JSON object and the outcome is printed as JSON.

Hooks: onAgentStart, onLLMError, beforeTaskExecute.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxHookPayload+1))
			if err != nil {
				return fmt.Errorf("failed to read event: %w", err)
			}
			if len(payload) > maxHookPayload {
				return fmt.Errorf("event exceeds %d bytes", maxHookPayload)
			}

			rt, err := newCommandRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			outcome, err := rt.Skill().Invoke(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), outcome)
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the supervisor state and the profile the next agent start selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newCommandRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			status, err := rt.Supervisor().Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newForceCmd(flags *rootFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:       "force <local|cloud>",
		Short:     "Override the supervisor mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(supervisor.ModeLocal), string(supervisor.ModeCloud)},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := supervisor.ParseMode(args[0])
			if err != nil {
				return err
			}

			rt, err := newCommandRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.Supervisor().ForceMode(cmd.Context(), mode, reason)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", reasonFlagUsage)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

// newCommandRuntime builds a runtime for a one-shot command: no watchers and no hub.
func newCommandRuntime(cmd *cobra.Command, flags *rootFlags) (*Runtime, error) {
	opts, err := flags.options()
	if err != nil {
		return nil, err
	}
	opts.LogWriter = cmd.ErrOrStderr()
	return NewRuntime(cmd.Context(), opts)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
