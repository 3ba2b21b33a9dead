package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/llm-supervisor/internal/api"
	"github.com/traylinx/llm-supervisor/internal/audit"
	"github.com/traylinx/llm-supervisor/internal/buildinfo"
	"github.com/traylinx/llm-supervisor/internal/config"
	"github.com/traylinx/llm-supervisor/internal/hooks"
	"github.com/traylinx/llm-supervisor/internal/logging"
	"github.com/traylinx/llm-supervisor/internal/notify"
	"github.com/traylinx/llm-supervisor/internal/plugin"
	"github.com/traylinx/llm-supervisor/internal/skill"
	"github.com/traylinx/llm-supervisor/internal/store"
	"github.com/traylinx/llm-supervisor/internal/supervisor"
	"github.com/traylinx/llm-supervisor/internal/telemetry"
	"github.com/traylinx/llm-supervisor/internal/util"
	"go.opentelemetry.io/otel"
)

const (
	serviceName       = "llm-supervisor"
	auditFileName     = "audit.jsonl"
	telemetryShutdown = 5 * time.Second
)

// Options controls how a Runtime is assembled.
type Options struct {
	// ConfigPath is the YAML configuration file. A missing file yields the defaults.
	ConfigPath string
	// StateDir overrides state-dir from the configuration file.
	StateDir string
	// Watch enables hot reload of the configuration file and hook rules.
	Watch bool
	// Hub enables the websocket notification hub.
	Hub bool
	// LogWriter replaces stdout as the console log destination.
	LogWriter io.Writer
}

// Runtime holds every component of the skill wired together.
type Runtime struct {
	watcher   *config.Watcher
	logWriter io.Writer
	stateBox  *util.StateBox
	store     store.Store
	audit     *audit.Logger
	metrics   *telemetry.Metrics
	bus       *hooks.EventBus
	hooks     *hooks.HookManager
	plugins   *plugin.LuaEngine
	hub       *notify.Hub
	sup       *supervisor.Supervisor
	skill     *skill.Skill

	shutdownTelemetry telemetry.ShutdownFunc
	closeOnce         sync.Once
}

// NewRuntime loads the configuration and builds the supervisor with its stores,
// notifiers, hooks and plugins. Call Close when done.
func NewRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	watcher, err := config.NewWatcher(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	r := &Runtime{watcher: watcher, logWriter: opts.LogWriter}

	cfg := watcher.Config()
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = cfg.StateDir
	}
	if r.stateBox, err = util.NewStateBoxAt(stateDir); err != nil {
		return nil, err
	}
	if err = r.configureLogging(cfg); err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	if err = r.build(ctx, cfg, opts); err != nil {
		r.Close()
		return nil, err
	}
	if err = util.HardenPermissions(r.stateBox); err != nil {
		log.Warnf("failed to harden State Box permissions: %v", err)
	}

	if opts.Watch {
		watcher.OnChange(r.reload)
		if err = watcher.Start(); err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context, cfg *config.Config, opts Options) error {
	var err error
	if r.store, err = store.Open(ctx, cfg.State, r.stateBox); err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	auditPath := filepath.Join(r.stateBox.LogsDir(), auditFileName)
	if cfg.Audit.Path != "" {
		auditPath = r.stateBox.ResolvePath(cfg.Audit.Path)
	}
	r.audit, err = audit.NewLogger(audit.Config{
		Enabled:    cfg.Audit.Enabled && !r.stateBox.IsReadOnly(),
		LogPath:    auditPath,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
		Compress:   cfg.Audit.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	r.shutdownTelemetry, err = telemetry.Init(serviceName, buildinfo.Version, telemetry.Config{
		Exporter: cfg.Telemetry.Exporter,
		Interval: time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if r.metrics, err = telemetry.NewMetrics(otel.Meter(serviceName)); err != nil {
		return err
	}

	notifiers := notify.Multi{notify.NewLogNotifier(log.StandardLogger())}
	if opts.Hub {
		r.hub = notify.NewHub()
		notifiers = append(notifiers, r.hub)
	}

	r.bus = hooks.NewEventBus()
	if cfg.Hooks.Enabled {
		if err = r.startHooks(cfg, notifiers, opts.Watch); err != nil {
			return err
		}
	}

	supOpts := []supervisor.Option{
		supervisor.WithEventBus(r.bus),
		supervisor.WithAudit(r.audit),
		supervisor.WithMetrics(r.metrics),
		supervisor.WithStateKey(cfg.State.Key),
	}
	if cfg.Plugins.Enabled {
		dir := r.stateBox.PluginsDir()
		if cfg.Plugins.Dir != "" {
			dir = r.stateBox.ResolvePath(cfg.Plugins.Dir)
		}
		r.plugins = plugin.NewLuaEngine(plugin.Config{
			Enabled:        true,
			PluginDir:      dir,
			EnabledPlugins: cfg.Plugins.EnabledPlugins,
		})
		log.Infof("loaded %d classifier plugin(s) from %s", len(r.plugins.Plugins()), dir)
		supOpts = append(supOpts, supervisor.WithClassifier(r.plugins))
	}

	host := &supervisor.StaticHost{
		ConfigFunc: r.supervisorConfig,
		Log:        logging.NewSkillLogger(nil, serviceName).With("backend", cfg.State.Backend),
		Notify:     notifiers,
		KV:         r.store,
	}
	r.sup = supervisor.New(host, supOpts...)
	r.skill = skill.New(r.sup)
	return nil
}

func (r *Runtime) startHooks(cfg *config.Config, b hooks.Broadcaster, watch bool) error {
	dir := r.stateBox.HooksDir()
	if cfg.Hooks.Dir != "" {
		dir = r.stateBox.ResolvePath(cfg.Hooks.Dir)
	}
	if err := r.stateBox.EnsureDir(dir); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	mgr, err := hooks.NewHookManager(dir, r.bus)
	if err != nil {
		return err
	}
	hooks.RegisterBroadcaster(mgr, b)
	if err = mgr.LoadHooks(); err != nil {
		return fmt.Errorf("failed to load hooks: %w", err)
	}
	mgr.SubscribeToAllEvents()
	r.hooks = mgr

	if watch && cfg.Hooks.Watch {
		if err = mgr.StartWatcher(); err != nil {
			log.Warnf("hook hot reload disabled: %v", err)
		}
	}
	log.Infof("loaded %d hook rule(s) from %s", len(mgr.Hooks()), dir)
	return nil
}

// reload applies the parts of a reloaded configuration that can change at
// runtime. Supervisor settings are read per invocation and need nothing here.
func (r *Runtime) reload(cfg *config.Config) {
	if err := r.configureLogging(cfg); err != nil {
		log.Errorf("failed to reconfigure logging: %v", err)
	}
	if r.plugins != nil {
		if err := r.plugins.LoadPlugins(); err != nil {
			log.Warnf("failed to reload classifier plugins: %v", err)
		}
	}
}

func (r *Runtime) configureLogging(cfg *config.Config) error {
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, r.stateBox.LogsDir(), cfg.LogMaxSizeMB, cfg.Debug); err != nil {
		return err
	}
	if !cfg.LoggingToFile && r.logWriter != nil {
		log.SetOutput(r.logWriter)
	}
	return nil
}

func (r *Runtime) supervisorConfig() config.SupervisorConfig {
	return r.watcher.Config().SupervisorConfig
}

// Config returns the current configuration.
func (r *Runtime) Config() *config.Config { return r.watcher.Config() }

// Supervisor returns the supervisor.
func (r *Runtime) Supervisor() *supervisor.Supervisor { return r.sup }

// Skill returns the hook registry.
func (r *Runtime) Skill() *skill.Skill { return r.skill }

// Hub returns the websocket hub, or nil when it was not requested.
func (r *Runtime) Hub() *notify.Hub { return r.hub }

// StateBox returns the State Box the runtime writes into.
func (r *Runtime) StateBox() *util.StateBox { return r.stateBox }

// Paths returns the files reported by the State Box status endpoint.
func (r *Runtime) Paths() api.StateBoxPaths {
	var paths api.StateBoxPaths
	cfg := r.Config()
	if cfg.State.Backend == config.BackendFile {
		paths.StateRecord = r.stateBox.KeyPath(cfg.State.Key)
	}
	if r.audit.Enabled() {
		paths.AuditLog = r.audit.Path()
	}
	return paths
}

// Close stops every component. It is safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.watcher.Stop()
		// Drain queued events into the rules before they unsubscribe.
		if r.bus != nil {
			r.bus.Shutdown()
		}
		if r.hooks != nil {
			r.hooks.Stop()
		}
		r.plugins.Close()
		if r.hub != nil {
			r.hub.Close()
		}
		if err := r.audit.Close(); err != nil {
			log.Warnf("failed to close audit log: %v", err)
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				log.Warnf("failed to close state store: %v", err)
			}
		}
		if r.shutdownTelemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdown)
			defer cancel()
			if err := r.shutdownTelemetry(ctx); err != nil {
				log.Warnf("failed to flush telemetry: %v", err)
			}
		}
	})
}
