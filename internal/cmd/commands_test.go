package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/llm-supervisor/internal/buildinfo"
	"github.com/traylinx/llm-supervisor/internal/skill"
	"github.com/traylinx/llm-supervisor/internal/supervisor"
)

const testConfig = `local-model: qwen2.5:7b
cooldown-minutes: 30
state:
  backend: file
audit:
  enabled: true
`

type cliEnv struct {
	dir        string
	configPath string
	stderr     string
}

func newCLIEnv(t *testing.T, config string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	return &cliEnv{dir: dir, configPath: path}
}

func (e *cliEnv) writeHook(t *testing.T, name, rule string) {
	t.Helper()
	dir := filepath.Join(e.dir, "hooks")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(rule), 0o600))
}

func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", e.configPath, "--state-dir", e.dir}, args...))
	err := root.Execute()
	e.stderr = stderr.String()
	return stdout.String(), err
}

func TestHookCommand_SwitchesToLocalAndBlocks(t *testing.T) {
	env := newCLIEnv(t, testConfig)

	out, err := env.run(t, `{"error":{"message":"429 Too Many Requests"}}`, "hook", skill.HookLLMError)
	require.NoError(t, err)
	var outcome skill.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, supervisor.ModeLocal, outcome.Mode)
	assert.Contains(t, env.stderr, "Switched to local LLM")
	assert.Contains(t, env.stderr, "backend=file")

	out, err = env.run(t, `{"task":{"intent":"write_code"},"context":{"lastUserMessage":"go ahead"}}`, "hook", skill.HookBeforeTaskExecute)
	require.NoError(t, err)
	outcome = skill.Outcome{}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.True(t, outcome.Blocked)
	assert.Contains(t, outcome.Reason, "CONFIRM LOCAL")

	out, err = env.run(t, "", "hook", skill.HookAgentStart)
	require.NoError(t, err)
	outcome = skill.Outcome{}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	require.NotNil(t, outcome.Profile)
	assert.Equal(t, "qwen2.5:7b", outcome.Profile.Model)

	audit, err := os.ReadFile(filepath.Join(env.dir, "logs", auditFileName))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "task_blocked")
}

func TestHookCommand_Errors(t *testing.T) {
	env := newCLIEnv(t, testConfig)

	_, err := env.run(t, "{}", "hook", "onSomethingElse")
	assert.ErrorIs(t, err, skill.ErrUnknownHook)

	_, err = env.run(t, "[1,2]", "hook", skill.HookLLMError)
	assert.ErrorIs(t, err, skill.ErrInvalidPayload)

	_, err = env.run(t, "", "hook")
	assert.Error(t, err)
}

func TestForceAndStatusCommands(t *testing.T) {
	env := newCLIEnv(t, testConfig)

	out, err := env.run(t, "", "force", "local", "--reason", "maintenance")
	require.NoError(t, err)
	var st supervisor.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, supervisor.ModeLocal, st.Mode)
	assert.Equal(t, "maintenance", st.LastError)

	out, err = env.run(t, "", "status")
	require.NoError(t, err)
	var status supervisor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, supervisor.ModeLocal, status.State.Mode)
	assert.Positive(t, status.CooldownRemainingMs)
	assert.Equal(t, "qwen2.5:7b", status.Profile.Model)

	out, err = env.run(t, "", "force", "cloud")
	require.NoError(t, err)
	st = supervisor.State{}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, supervisor.ModeCloud, st.Mode)
}

func TestHookCommand_RunsAutomationRules(t *testing.T) {
	env := newCLIEnv(t, testConfig+"hooks:\n  enabled: true\n")
	env.writeHook(t, "switched", `name: announce-switch
event: mode_switched_local
action: notify_users
enabled: true
params:
  message: "automation: switched to local"
`)
	env.writeHook(t, "forced", `name: announce-force
event: mode_forced
condition: Mode == "cloud"
action: notify_users
enabled: true
params:
  message: "automation: forced back to cloud"
`)

	out, err := env.run(t, `{"error":{"message":"429 Too Many Requests"}}`, "hook", skill.HookLLMError)
	require.NoError(t, err)
	assert.Contains(t, out, `"local"`)
	assert.Contains(t, env.stderr, "automation: switched to local")

	_, err = env.run(t, "", "force", "cloud")
	require.NoError(t, err)
	assert.Contains(t, env.stderr, "automation: forced back to cloud")
	assert.NotContains(t, env.stderr, "automation: switched to local")
}

func TestForceCommand_RejectsUnknownMode(t *testing.T) {
	env := newCLIEnv(t, testConfig)
	_, err := env.run(t, "", "force", "hybrid")
	assert.ErrorIs(t, err, supervisor.ErrInvalidMode)
}

func TestCommands_RequireLocalModel(t *testing.T) {
	env := newCLIEnv(t, "cooldown-minutes: 5\n")
	_, err := env.run(t, "", "status")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t, testConfig)
	out, err := env.run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, buildinfo.String()+"\n", out)
}

func TestRuntime_WiresHooksAndPlugins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plugins", "gateway"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugins", "gateway", "schema.lua"),
		[]byte(`return { name = "gateway", display_name = "Gateway" }`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugins", "gateway", "handler.lua"), []byte(`
local Plugin = {}
function Plugin:is_rate_limit(err)
  return err.code == "GATEWAY_BUSY"
end
return Plugin
`), 0o600))

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`local-model: qwen2.5:7b
state:
  backend: memory
hooks:
  enabled: true
plugins:
  enabled: true
  enabled-plugins: [gateway]
`), 0o600))

	rt, err := NewRuntime(t.Context(), Options{ConfigPath: configPath, StateDir: dir, Hub: true})
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Hub())
	assert.DirExists(t, filepath.Join(dir, "hooks"))
	assert.Empty(t, rt.Paths().StateRecord)

	outcome, err := rt.Skill().Invoke(t.Context(), skill.HookLLMError, []byte(`{"error":{"message":"upstream said no","code":"GATEWAY_BUSY"}}`))
	require.NoError(t, err)
	assert.Equal(t, supervisor.ModeLocal, outcome.Mode)
	assert.Len(t, rt.Hub().Recent(), 1)
}

func TestRuntime_CloseDeliversQueuedEvents(t *testing.T) {
	env := newCLIEnv(t, "local-model: qwen2.5:7b\nstate:\n  backend: memory\nhooks:\n  enabled: true\n")
	env.writeHook(t, "switched", `name: announce-switch
event: mode_switched_local
action: notify_users
enabled: true
params:
  message: "automation: switched to local"
`)

	rt, err := NewRuntime(t.Context(), Options{ConfigPath: env.configPath, StateDir: env.dir, Hub: true})
	require.NoError(t, err)

	_, err = rt.Skill().Invoke(t.Context(), skill.HookLLMError, []byte(`{"error":{"message":"rate limit exceeded"}}`))
	require.NoError(t, err)
	rt.Close()

	var texts []string
	for _, msg := range rt.Hub().Recent() {
		texts = append(texts, msg.Message)
	}
	assert.Contains(t, texts, "automation: switched to local")
}
