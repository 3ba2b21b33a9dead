// Package supervisor keeps the main agent productive when the cloud LLM is rate
// limited.
//
// Three hook handlers share one persisted record. OnLLMError moves the agent to a
// local model when a cloud error looks like a rate limit, OnAgentStart selects the
// provider for each run and returns to the cloud once the cooldown has elapsed,
// and BeforeTaskExecute holds back code-modifying tasks in local mode until the
// user confirms them.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/traylinx/llm-supervisor/internal/audit"
	"github.com/traylinx/llm-supervisor/internal/config"
	"github.com/traylinx/llm-supervisor/internal/hooks"
	"github.com/traylinx/llm-supervisor/internal/telemetry"
)

// Supervisor implements the hook handlers.
type Supervisor struct {
	host       Host
	state      *StateAccessor
	bus        *hooks.EventBus
	audit      *audit.Logger
	metrics    *telemetry.Metrics
	classifier Classifier
	now        func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithEventBus publishes supervisor events on bus.
func WithEventBus(bus *hooks.EventBus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithAudit records transitions and blocked tasks to l.
func WithAudit(l *audit.Logger) Option {
	return func(s *Supervisor) { s.audit = l }
}

// WithMetrics counts transitions, detections and blocks on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClassifier extends rate-limit and code-action detection.
func WithClassifier(c Classifier) Option {
	return func(s *Supervisor) { s.classifier = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithStateKey stores the record under key instead of the default.
func WithStateKey(key string) Option {
	return func(s *Supervisor) { s.state = NewStateAccessor(s.host.Store(), key) }
}

// New returns a Supervisor for host.
func New(host Host, opts ...Option) *Supervisor {
	s := &Supervisor{
		host:  host,
		state: NewStateAccessor(host.Store(), config.DefaultStateKey),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the state accessor.
func (s *Supervisor) State() *StateAccessor {
	return s.state
}

// OnAgentStart selects the provider for a starting agent. A local record whose
// cooldown has elapsed is moved back to cloud first.
func (s *Supervisor) OnAgentStart(ctx context.Context, ev AgentStartEvent) error {
	if ev.Agent == nil {
		return ErrNoAgent
	}
	cfg := s.host.Config()
	now := s.now()

	var st State
	recovered := false
	err := s.state.Tx(ctx, func(tx *StateTx) error {
		cur, err := tx.Get()
		if err != nil {
			return err
		}
		st = cur
		if cur.Mode != ModeLocal || !IsCooldownOver(cur, cfg.CooldownMinutes, now) {
			return nil
		}

		mode, since := ModeCloud, now.UnixMilli()
		st, err = tx.Set(StatePatch{Mode: &mode, Since: &since})
		if err != nil {
			return err
		}
		recovered = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("agent start: %w", err)
	}

	s.publish(&hooks.EventContext{Event: hooks.EventAgentStart, Mode: string(st.Mode)})

	if recovered {
		s.audit.ModeSwitch(audit.ActionModeRecovered, string(ModeLocal), string(ModeCloud), "", "cooldown elapsed", now)
		s.metrics.RecordModeSwitch(ctx, string(ModeCloud))
		s.publish(&hooks.EventContext{
			Event: hooks.EventModeRecovered,
			Mode:  string(ModeCloud),
			Data:  map[string]any{"since": st.Since},
		})

		if err := s.host.Notifier().All(ctx, RecoveryMessage); err != nil {
			return fmt.Errorf("agent start: notify recovery: %w", err)
		}
		s.host.Logger().Info("Auto-recovered to cloud mode after cooldown")
		return s.setProfile(ev.Agent, NamedProfile(cfg.CloudProfile))
	}

	if st.Mode == ModeCloud {
		if err := s.setProfile(ev.Agent, NamedProfile(cfg.CloudProfile)); err != nil {
			return err
		}
		s.host.Logger().Info("Agent started in cloud mode")
		return nil
	}

	if err := s.setProfile(ev.Agent, LocalProfile(cfg.LocalProvider, cfg.LocalModel, cfg.LocalBaseURL)); err != nil {
		return err
	}
	s.host.Logger().Info(fmt.Sprintf("Agent started in local mode (%s)", cfg.LocalModel))
	return nil
}

// OnLLMError switches to local mode when a cloud provider error looks like a
// rate limit. Errors in local mode, and errors that do not match, are ignored.
func (s *Supervisor) OnLLMError(ctx context.Context, ev LLMErrorEvent) error {
	cfg := s.host.Config()
	now := s.now()
	detector := NewDetector(cfg.RateLimitPatterns, s.classifier)

	var message string
	if ev.Error != nil {
		message = ev.Error.Message
	}

	var prev Mode
	switched := false
	err := s.state.Tx(ctx, func(tx *StateTx) error {
		cur, err := tx.Get()
		if err != nil {
			return err
		}
		prev = cur.Mode
		if cur.Mode != ModeCloud || !detector.IsRateLimit(ev.Error) {
			return nil
		}

		s.host.Logger().Warn("Cloud LLM rate limit detected")
		if err := tx.Replace(State{Mode: ModeLocal, Since: now.UnixMilli(), LastError: message}); err != nil {
			return err
		}
		switched = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("llm error: %w", err)
	}

	s.publish(&hooks.EventContext{Event: hooks.EventLLMError, Mode: string(prev), ErrorMessage: message})
	if !switched {
		return nil
	}

	s.metrics.RecordRateLimit(ctx)
	s.metrics.RecordModeSwitch(ctx, string(ModeLocal))
	s.audit.ModeSwitch(audit.ActionModeSwitchLocal, string(ModeCloud), string(ModeLocal), cfg.LocalModel, message, now)
	s.publish(&hooks.EventContext{
		Event:        hooks.EventModeSwitchedLocal,
		Mode:         string(ModeLocal),
		Model:        cfg.LocalModel,
		ErrorMessage: message,
		Data:         map[string]any{"since": now.UnixMilli()},
	})

	if err := s.host.Notifier().All(ctx, LocalSwitchMessage(cfg.LocalModel)); err != nil {
		return fmt.Errorf("llm error: notify switch: %w", err)
	}
	s.host.Logger().Info("Switched to local LLM")
	return nil
}

// BeforeTaskExecute blocks code actions in local mode unless the last user
// message carries the confirmation phrase. It never changes the record.
func (s *Supervisor) BeforeTaskExecute(ctx context.Context, ev BeforeTaskExecuteEvent) error {
	cfg := s.host.Config()

	st, err := s.state.GetState(ctx)
	if err != nil {
		return fmt.Errorf("before task: %w", err)
	}

	s.publish(&hooks.EventContext{Event: hooks.EventBeforeTaskExecute, Mode: string(st.Mode), Intent: ev.Task.Intent})

	if st.Mode != ModeLocal || !cfg.RequireConfirmationForCode {
		return nil
	}
	if !IsCodeAction(ev.Task.Intent, cfg.CodeIntents, s.classifier) {
		return nil
	}
	if ContainsPhrase(ev.Context.LastUserMessage, cfg.ConfirmationPhrase, cfg.ConfirmationCaseSensitive) {
		return nil
	}
	if ev.Block == nil {
		return ErrNoBlocker
	}

	reason := BlockReason(cfg.ConfirmationPhrase)
	ev.Block(reason)

	s.metrics.RecordTaskBlocked(ctx, ev.Task.Intent)
	s.audit.TaskBlocked(ev.Task.Intent, cfg.LocalModel, reason, s.now())
	s.publish(&hooks.EventContext{
		Event:  hooks.EventTaskBlocked,
		Mode:   string(ModeLocal),
		Model:  cfg.LocalModel,
		Intent: ev.Task.Intent,
	})
	s.host.Logger().Info(fmt.Sprintf("Blocked %s pending confirmation", ev.Task.Intent))
	return nil
}

// ForceMode overwrites the record with mode, as an operator override. reason is
// kept as LastError when forcing local mode.
func (s *Supervisor) ForceMode(ctx context.Context, mode Mode, reason string) (State, error) {
	if !mode.Valid() {
		return State{}, fmt.Errorf("force mode: %w: %q", ErrInvalidMode, mode)
	}
	cfg := s.host.Config()
	now := s.now()

	next := State{Mode: mode, Since: now.UnixMilli()}
	if mode == ModeLocal {
		next.LastError = reason
	}

	var prev Mode
	err := s.state.Tx(ctx, func(tx *StateTx) error {
		cur, err := tx.Get()
		if err != nil {
			// An unreadable record is overwritten.
			cur = DefaultState()
		}
		prev = cur.Mode
		return tx.Replace(next)
	})
	if err != nil {
		return State{}, fmt.Errorf("force mode: %w", err)
	}

	if prev != mode {
		s.metrics.RecordModeSwitch(ctx, string(mode))
	}
	s.audit.ModeSwitch(audit.ActionModeForced, string(prev), string(mode), cfg.LocalModel, reason, now)
	s.publish(&hooks.EventContext{
		Event: hooks.EventModeForced,
		Mode:  string(mode),
		Data:  map[string]any{"previous": string(prev), "reason": reason},
	})

	if err := s.host.Notifier().All(ctx, ForcedModeMessage(mode)); err != nil {
		return next, fmt.Errorf("force mode: notify: %w", err)
	}
	s.host.Logger().Info(fmt.Sprintf("Mode forced to %s", mode))
	return next, nil
}

// Status describes the current record and what the next agent start will do.
type Status struct {
	State State `json:"state"`
	// Profile is the profile the next agent start selects.
	Profile Profile `json:"profile"`
	// RecoverAt is when local mode may end, in Unix milliseconds. Zero in cloud mode.
	RecoverAt int64 `json:"recoverAt,omitempty"`
	// CooldownRemainingMs is zero once the cooldown has elapsed.
	CooldownRemainingMs int64              `json:"cooldownRemainingMs"`
	Metrics             telemetry.Snapshot `json:"metrics"`
}

// Status reports the current state without changing it.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	cfg := s.host.Config()
	now := s.now()

	st, err := s.state.GetState(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}

	out := Status{State: st, Profile: NamedProfile(cfg.CloudProfile), Metrics: s.metrics.Snapshot()}
	if st.Mode == ModeLocal {
		out.RecoverAt = st.Since + int64(cfg.CooldownMinutes*60_000)
		if remaining := out.RecoverAt - now.UnixMilli(); remaining > 0 {
			out.CooldownRemainingMs = remaining
			out.Profile = LocalProfile(cfg.LocalProvider, cfg.LocalModel, cfg.LocalBaseURL)
		}
	}
	return out, nil
}

func (s *Supervisor) setProfile(agent Agent, profile Profile) error {
	if err := agent.SetLLMProfile(profile); err != nil {
		return fmt.Errorf("set llm profile %s: %w", profile, err)
	}
	return nil
}

func (s *Supervisor) publish(ev *hooks.EventContext) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = s.now()
	s.bus.PublishAsync(ev)
}
