// Package skill exposes the supervisor to a host runtime as named hooks. A host
// calls Invoke with the hook name and the event as JSON and receives the
// decision the hook made.
package skill

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/traylinx/llm-supervisor/internal/supervisor"
)

// Hook names registered by the skill.
const (
	HookAgentStart        = "onAgentStart"
	HookLLMError          = "onLLMError"
	HookBeforeTaskExecute = "beforeTaskExecute"
)

var (
	// ErrUnknownHook is returned by Invoke for a name the skill does not register.
	ErrUnknownHook = errors.New("skill: unknown hook")
	// ErrInvalidPayload is returned when the event payload is not a JSON object.
	ErrInvalidPayload = errors.New("skill: invalid event payload")
)

// Outcome is what a hook decided.
type Outcome struct {
	Hook string `json:"hook"`
	// Profile is set by onAgentStart.
	Profile *supervisor.Profile `json:"profile,omitempty"`
	// Blocked and Reason are set when beforeTaskExecute blocks the task.
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	// Mode is the supervisor mode after the hook ran.
	Mode supervisor.Mode `json:"mode"`
}

// HookFunc handles one JSON-encoded event.
type HookFunc func(ctx context.Context, payload []byte) (Outcome, error)

// Skill binds the hooks to a supervisor.
type Skill struct {
	sup      *supervisor.Supervisor
	manifest *Manifest
}

// New returns a Skill for sup described by the embedded manifest.
func New(sup *supervisor.Supervisor) *Skill {
	return &Skill{sup: sup, manifest: DefaultManifest()}
}

// Manifest returns the skill manifest.
func (s *Skill) Manifest() *Manifest {
	return s.manifest
}

// Hooks returns the hook handlers keyed by name.
func (s *Skill) Hooks() map[string]HookFunc {
	return map[string]HookFunc{
		HookAgentStart:        s.agentStart,
		HookLLMError:          s.llmError,
		HookBeforeTaskExecute: s.beforeTaskExecute,
	}
}

// HookNames returns the registered hook names, sorted.
func (s *Skill) HookNames() []string {
	names := make([]string, 0, 3)
	for name := range s.Hooks() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the hook called name with payload. An empty payload is an empty event.
func (s *Skill) Invoke(ctx context.Context, name string, payload []byte) (Outcome, error) {
	fn, ok := s.Hooks()[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownHook, name)
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return Outcome{}, ErrInvalidPayload
	}

	out, err := fn(ctx, payload)
	if err != nil {
		return out, err
	}
	out.Hook = name

	st, err := s.sup.State().GetState(ctx)
	if err != nil {
		return out, err
	}
	out.Mode = st.Mode
	return out, nil
}

type recordingAgent struct {
	profile *supervisor.Profile
}

func (a *recordingAgent) SetLLMProfile(p supervisor.Profile) error {
	a.profile = &p
	return nil
}

func (s *Skill) agentStart(ctx context.Context, _ []byte) (Outcome, error) {
	agent := &recordingAgent{}
	if err := s.sup.OnAgentStart(ctx, supervisor.AgentStartEvent{Agent: agent}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Profile: agent.profile}, nil
}

func (s *Skill) llmError(ctx context.Context, payload []byte) (Outcome, error) {
	ev := supervisor.LLMErrorEvent{Error: DecodeLLMError(payload)}
	return Outcome{}, s.sup.OnLLMError(ctx, ev)
}

func (s *Skill) beforeTaskExecute(ctx context.Context, payload []byte) (Outcome, error) {
	var out Outcome
	doc := gjson.ParseBytes(payload)
	ev := supervisor.BeforeTaskExecuteEvent{
		Task:    supervisor.Task{Intent: doc.Get("task.intent").String()},
		Context: supervisor.TaskContext{LastUserMessage: doc.Get("context.lastUserMessage").String()},
		Block: func(reason string) {
			out.Blocked = true
			out.Reason = reason
		},
	}
	if err := s.sup.BeforeTaskExecute(ctx, ev); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// DecodeLLMError reads the error of an onLLMError payload. The error may be a
// string, an object with message and code, or an object wrapping a provider
// error body such as {"error":{"type":"overloaded_error","message":"..."}}.
// It returns nil when the payload carries no error.
func DecodeLLMError(payload []byte) *supervisor.LLMError {
	e := gjson.GetBytes(payload, "error")
	switch {
	case !e.Exists() || e.Type == gjson.Null:
		return nil
	case e.Type == gjson.String:
		return &supervisor.LLMError{Message: e.String()}
	case !e.IsObject():
		return &supervisor.LLMError{Message: e.Raw}
	}

	out := &supervisor.LLMError{
		Message: e.Get("message").String(),
		Code:    e.Get("code").String(),
	}
	if body := e.Get("error"); body.IsObject() {
		if out.Message == "" {
			out.Message = body.Get("message").String()
		}
		if out.Code == "" {
			out.Code = firstString(body, "code", "type", "status")
		}
	}
	if out.Code == "" {
		out.Code = firstString(e, "type", "status")
	}
	return out
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
