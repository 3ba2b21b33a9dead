package hooks

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*HookManager, *EventBus, string) {
	t.Helper()
	dir := t.TempDir()
	bus := NewEventBus()
	t.Cleanup(bus.Shutdown)

	manager, err := NewHookManager(dir, bus)
	require.NoError(t, err)
	t.Cleanup(manager.Stop)
	return manager, bus, dir
}

func writeHook(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestNewHookManager_RequiresDirAndBus(t *testing.T) {
	_, err := NewHookManager("", NewEventBus())
	assert.Error(t, err)

	_, err = NewHookManager(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestHookManager_LoadHooks(t *testing.T) {
	manager, _, dir := newTestManager(t)

	writeHook(t, dir, "switch.yaml", `
id: on-switch
name: On switch
event: mode_switched_local
action: log_warning
enabled: true
`)
	writeHook(t, dir, "disabled.yml", `
name: Disabled
event: task_blocked
action: log_warning
enabled: false
`)
	writeHook(t, dir, "broken.yaml", "event: [unterminated")
	writeHook(t, dir, "incomplete.yaml", "name: no event\nenabled: true\n")
	writeHook(t, dir, "notes.txt", "ignored")

	require.NoError(t, manager.LoadHooks())

	hooks := manager.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, "on-switch", hooks[0].ID)
	assert.Equal(t, filepath.Join(dir, "switch.yaml"), hooks[0].FilePath)
	assert.NotNil(t, manager.Hook("on-switch"))
	assert.Nil(t, manager.Hook("missing"))
}

func TestHookManager_IDDefaultsToFileName(t *testing.T) {
	manager, _, dir := newTestManager(t)
	writeHook(t, dir, "blocked-alert.yaml", "event: task_blocked\naction: log_warning\nenabled: true\n")

	require.NoError(t, manager.LoadHooks())
	assert.NotNil(t, manager.Hook("blocked-alert"))
}

func TestHookManager_ConditionGatesAction(t *testing.T) {
	manager, bus, dir := newTestManager(t)

	var calls int32
	manager.RegisterAction("count", func(hook *Hook, ctx *EventContext) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	writeHook(t, dir, "count.yaml", `
name: Count code blocks
event: task_blocked
condition: Intent == "write_code" && Mode == "local"
action: count
enabled: true
`)
	require.NoError(t, manager.LoadHooks())
	manager.SubscribeToAllEvents()
	manager.SubscribeToAllEvents()

	bus.Publish(&EventContext{Event: EventTaskBlocked, Mode: "local", Intent: "write_code"})
	bus.Publish(&EventContext{Event: EventTaskBlocked, Mode: "local", Intent: "edit_file"})
	bus.Publish(&EventContext{Event: EventModeForced, Mode: "local", Intent: "write_code"})
	manager.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHookManager_EvaluateCondition(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := &EventContext{
		Event:        EventLLMError,
		Mode:         "cloud",
		ErrorMessage: "429 Too Many Requests",
		Data:         map[string]any{"attempt": 3},
	}

	tests := []struct {
		condition string
		want      bool
		wantErr   bool
	}{
		{"", true, false},
		{"true", true, false},
		{`Error contains "429"`, true, false},
		{`Mode == "local"`, false, false},
		{"Data.attempt > 2", true, false},
		{`Event == "llm_error"`, true, false},
		{`"not a bool"`, false, true},
		{"Mode ==", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := manager.EvaluateCondition(&Hook{Condition: tt.condition}, ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHookManager_UnknownActionIsIgnored(t *testing.T) {
	manager, bus, dir := newTestManager(t)
	writeHook(t, dir, "unknown.yaml", "event: agent_start\naction: launch_rocket\nenabled: true\n")
	require.NoError(t, manager.LoadHooks())
	manager.SubscribeToAllEvents()

	assert.NotPanics(t, func() {
		bus.Publish(&EventContext{Event: EventAgentStart})
		manager.Wait()
	})
}

func TestHookManager_HotReload(t *testing.T) {
	manager, bus, dir := newTestManager(t)

	fired := make(chan string, 8)
	manager.RegisterAction("record", func(hook *Hook, ctx *EventContext) error {
		select {
		case fired <- hook.ID:
		default:
		}
		return nil
	})
	require.NoError(t, manager.LoadHooks())
	manager.SubscribeToAllEvents()
	require.NoError(t, manager.StartWatcher())

	writeHook(t, dir, "late.yaml", "id: late\nevent: mode_recovered_cloud\naction: record\nenabled: true\n")

	require.Eventually(t, func() bool {
		return manager.Hook("late") != nil
	}, 3*time.Second, 20*time.Millisecond)

	bus.Publish(&EventContext{Event: EventModeRecovered})
	select {
	case id := <-fired:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("reloaded hook did not fire")
	}
}

func TestHookManager_StopUnsubscribes(t *testing.T) {
	manager, bus, dir := newTestManager(t)

	var calls int32
	manager.RegisterAction("count", func(*Hook, *EventContext) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	writeHook(t, dir, "count.yaml", "event: agent_start\naction: count\nenabled: true\n")
	require.NoError(t, manager.LoadHooks())
	manager.SubscribeToAllEvents()

	manager.Stop()
	bus.Publish(&EventContext{Event: EventAgentStart})
	manager.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
