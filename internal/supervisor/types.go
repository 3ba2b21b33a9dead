package supervisor

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/traylinx/llm-supervisor/internal/config"
	"github.com/traylinx/llm-supervisor/internal/store"
)

// Logger is the host log sink.
type Logger interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// Notifier broadcasts a message to every connected user.
type Notifier interface {
	All(ctx context.Context, message string) error
}

// Host bundles what the hook handlers receive from the agent runtime. Config is
// read on every invocation so reloads take effect without a restart.
type Host interface {
	Config() config.SupervisorConfig
	Logger() Logger
	Notifier() Notifier
	Store() store.Store
}

// StaticHost is a Host assembled from fixed parts.
type StaticHost struct {
	ConfigFunc func() config.SupervisorConfig
	Log        Logger
	Notify     Notifier
	KV         store.Store
}

func (h *StaticHost) Config() config.SupervisorConfig {
	if h.ConfigFunc == nil {
		return config.DefaultSupervisorConfig()
	}
	return h.ConfigFunc()
}

func (h *StaticHost) Logger() Logger     { return h.Log }
func (h *StaticHost) Notifier() Notifier { return h.Notify }
func (h *StaticHost) Store() store.Store { return h.KV }

// Profile selects the provider of the main agent. A named profile refers to a
// host-defined profile such as "anthropic:default"; otherwise the descriptor
// fields describe an inline provider.
type Profile struct {
	Name     string
	Provider string
	Model    string
	BaseURL  string
}

// NamedProfile returns a profile referring to a host-defined profile.
func NamedProfile(name string) Profile {
	return Profile{Name: name}
}

// LocalProfile returns an inline profile for a locally served model.
func LocalProfile(provider, model, baseURL string) Profile {
	return Profile{Provider: provider, Model: model, BaseURL: baseURL}
}

// IsNamed reports whether p refers to a host-defined profile.
func (p Profile) IsNamed() bool {
	return p.Name != ""
}

func (p Profile) String() string {
	if p.IsNamed() {
		return p.Name
	}
	return p.Provider + "/" + p.Model
}

type profileDescriptor struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"baseUrl"`
}

// MarshalJSON encodes a named profile as a string and an inline profile as an
// object with provider, model and baseUrl.
func (p Profile) MarshalJSON() ([]byte, error) {
	if p.IsNamed() {
		return json.Marshal(p.Name)
	}
	return json.Marshal(profileDescriptor{Provider: p.Provider, Model: p.Model, BaseURL: p.BaseURL})
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = Profile{Name: name}
		return nil
	}
	var d profileDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*p = Profile{Provider: d.Provider, Model: d.Model, BaseURL: d.BaseURL}
	return nil
}

// Agent is the main agent whose provider the supervisor controls.
type Agent interface {
	SetLLMProfile(profile Profile) error
}

// AgentStartEvent is delivered when the main agent starts.
type AgentStartEvent struct {
	Agent Agent
}

// LLMError is a provider error. Either field may be empty.
type LLMError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *LLMError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// LLMErrorEvent is delivered when a provider call fails.
type LLMErrorEvent struct {
	Error *LLMError
}

// Task is the action the agent is about to run.
type Task struct {
	Intent string `json:"intent"`
}

// TaskContext carries the conversation context of a task.
type TaskContext struct {
	LastUserMessage string `json:"lastUserMessage"`
}

// BeforeTaskExecuteEvent is delivered before a task runs. Calling Block stops it.
type BeforeTaskExecuteEvent struct {
	Task    Task
	Context TaskContext
	Block   func(reason string)
}

var (
	// ErrNoAgent is returned when an agent start event carries no agent.
	ErrNoAgent = errors.New("agent start event has no agent")
	// ErrNoBlocker is returned when a task must be blocked but the event cannot block.
	ErrNoBlocker = errors.New("task event has no block callback")
)
