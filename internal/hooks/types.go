// Package hooks runs user-defined automation rules when the supervisor changes
// mode or blocks a task. Rules are YAML files; conditions are expr expressions.
package hooks

import (
	"context"
	"time"
)

// HookEvent names a supervisor event that can trigger a hook.
type HookEvent string

const (
	EventAgentStart        HookEvent = "agent_start"
	EventLLMError          HookEvent = "llm_error"
	EventBeforeTaskExecute HookEvent = "before_task_execute"
	EventModeSwitchedLocal HookEvent = "mode_switched_local"
	EventModeRecovered     HookEvent = "mode_recovered_cloud"
	EventModeForced        HookEvent = "mode_forced"
	EventTaskBlocked       HookEvent = "task_blocked"
)

// AllEvents lists every event the supervisor publishes.
var AllEvents = []HookEvent{
	EventAgentStart,
	EventLLMError,
	EventBeforeTaskExecute,
	EventModeSwitchedLocal,
	EventModeRecovered,
	EventModeForced,
	EventTaskBlocked,
}

// HookAction names the action a hook performs.
type HookAction string

const (
	ActionLogWarning    HookAction = "log_warning"
	ActionNotifyWebhook HookAction = "notify_webhook"
	ActionNotifyUsers   HookAction = "notify_users"
	ActionRunCommand    HookAction = "run_command"
)

// Hook represents a single automation rule.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       HookEvent      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      HookAction     `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file (not in YAML)
	FilePath string `yaml:"-" json:"-"`
}

// EventContext carries an event to subscribers and hook conditions.
type EventContext struct {
	Event        HookEvent      `json:"event"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data"`
	Mode         string         `json:"mode,omitempty"`
	Model        string         `json:"model,omitempty"`
	Intent       string         `json:"intent,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
}

// ActionHandler is a function that executes a hook action.
type ActionHandler func(hook *Hook, ctx *EventContext) error

// Broadcaster delivers a message to every connected user.
type Broadcaster interface {
	All(ctx context.Context, message string) error
}
