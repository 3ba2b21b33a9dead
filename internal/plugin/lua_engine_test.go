// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func writePlugin(t *testing.T, dir, id, schemaName, handler string) {
	t.Helper()
	pluginDir := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(pluginDir, 0700))
	schema := `return { name = "` + schemaName + `", display_name = "Test ` + id + `" }`
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "schema.lua"), []byte(schema), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "handler.lua"), []byte(handler), 0600))
}

const gatewayHandler = `
local Plugin = {}

function Plugin:is_rate_limit(err)
  if supervisor.json_get(err.message, "error.type") == "gateway_backoff" then
    return true
  end
  return supervisor.contains_any(err.code, { "slow_down" })
end

function Plugin:is_code_action(intent)
  return intent == "deploy" or intent == "migrate_db"
end

return Plugin
`

func newTestEngine(t *testing.T, enabled ...string) (*LuaEngine, string) {
	t.Helper()
	dir := t.TempDir()
	writePlugin(t, dir, "gateway", "gateway", gatewayHandler)
	engine := NewLuaEngine(Config{Enabled: true, PluginDir: dir, EnabledPlugins: enabled})
	t.Cleanup(engine.Close)
	return engine, dir
}

func TestLuaEngine_IsRateLimit(t *testing.T) {
	engine, _ := newTestEngine(t, "gateway")
	require.Equal(t, []string{"gateway"}, engine.Plugins())

	assert.True(t, engine.IsRateLimit(`{"error":{"type":"gateway_backoff"}}`, ""))
	assert.True(t, engine.IsRateLimit("", "SLOW_DOWN"))
	assert.False(t, engine.IsRateLimit("connection refused", "econnrefused"))
	assert.False(t, engine.IsRateLimit(`{"error":{"type":"invalid_request"}}`, ""))
}

func TestLuaEngine_IsCodeAction(t *testing.T) {
	engine, _ := newTestEngine(t, "gateway")

	assert.True(t, engine.IsCodeAction("deploy"))
	assert.False(t, engine.IsCodeAction("chat"))
}

func TestLuaEngine_OnlyEnabledPluginsLoad(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.Empty(t, engine.Plugins())
	assert.False(t, engine.IsCodeAction("deploy"))
}

func TestLuaEngine_SkipsInvalidPlugins(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "Bad_Name", "Bad_Name", gatewayHandler)
	writePlugin(t, dir, "mismatch", "other", gatewayHandler)
	writePlugin(t, dir, "broken", "broken", "return {")
	writePlugin(t, dir, "good", "good", gatewayHandler)

	engine := NewLuaEngine(Config{
		Enabled:        true,
		PluginDir:      dir,
		EnabledPlugins: []string{"Bad_Name", "mismatch", "broken", "good"},
	})
	defer engine.Close()

	assert.Equal(t, []string{"good"}, engine.Plugins())
}

func TestLuaEngine_FailingHookCountsAsFalse(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "explodes", "explodes", `
local Plugin = {}
function Plugin:is_rate_limit(err) error("boom") end
return Plugin
`)
	writePlugin(t, dir, "loops", "loops", `
local Plugin = {}
function Plugin:is_code_action(intent) while true do end end
return Plugin
`)
	engine := NewLuaEngine(Config{
		Enabled:        true,
		PluginDir:      dir,
		EnabledPlugins: []string{"explodes", "loops"},
		Timeout:        50 * time.Millisecond,
	})
	defer engine.Close()

	assert.False(t, engine.IsRateLimit("429", ""))

	start := time.Now()
	assert.False(t, engine.IsCodeAction("write_code"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLuaEngine_Reload(t *testing.T) {
	engine, dir := newTestEngine(t, "gateway")
	assert.True(t, engine.IsCodeAction("deploy"))

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "gateway")))
	require.NoError(t, engine.LoadPlugins())
	assert.Empty(t, engine.Plugins())
	assert.False(t, engine.IsCodeAction("deploy"))
}

func TestLuaEngine_Disabled(t *testing.T) {
	engine := NewLuaEngine(Config{Enabled: false})
	assert.False(t, engine.IsEnabled())
	assert.Nil(t, engine.Plugins())
	assert.False(t, engine.IsRateLimit("429", ""))
	assert.NoError(t, engine.LoadPlugins())

	var nilEngine *LuaEngine
	assert.False(t, nilEngine.IsEnabled())
	nilEngine.Close()
}

func TestLuaSandbox_RestrictedLibs(t *testing.T) {
	engine := NewLuaEngine(Config{Enabled: true})
	defer engine.Close()

	L := engine.getState()
	defer engine.putState(L)

	for _, name := range []string{"io", "debug", "dofile", "loadfile"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "global %s should be nil", name)
	}

	osTbl, ok := L.GetGlobal("os").(*lua.LTable)
	require.True(t, ok, "os should be a restricted table")
	for _, fn := range []string{"execute", "exit", "remove", "rename", "tmpname", "getenv"} {
		assert.Equal(t, lua.LNil, L.GetField(osTbl, fn), "os.%s should be nil", fn)
	}
	for _, fn := range []string{"date", "time"} {
		assert.NotEqual(t, lua.LNil, L.GetField(osTbl, fn), "os.%s should be available", fn)
	}
	for _, name := range []string{"math", "string", "table", "supervisor"} {
		assert.NotEqual(t, lua.LNil, L.GetGlobal(name), "global %s should be available", name)
	}
}

func TestLuaDateFormatToGo(t *testing.T) {
	assert.Equal(t, time.RFC3339, luaDateFormatToGo(""))
	assert.Equal(t, time.RFC3339, luaDateFormatToGo("%c"))
	assert.Equal(t, "2006-01-02 15:04:05", luaDateFormatToGo("%Y-%m-%d %H:%M:%S"))
	assert.Equal(t, time.RFC3339, luaDateFormatToGo("plain"))
}

func TestIsValidPluginID(t *testing.T) {
	assert.True(t, IsValidPluginID("rate-limit-extra"))
	assert.False(t, IsValidPluginID("Rate"))
	assert.False(t, IsValidPluginID("../escape"))
	assert.False(t, IsValidPluginID(""))
}

// Forbidden globals stay unreachable from any pooled state.
func TestProperty_LuaSandboxIsolation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("forbidden globals are nil inside scripts", prop.ForAll(
		func(forbiddenName string) bool {
			engine := NewLuaEngine(Config{Enabled: true})
			defer engine.Close()

			L := engine.getState()
			defer engine.putState(L)

			if err := L.DoString("return type(" + forbiddenName + ")"); err != nil {
				return true
			}
			return L.Get(-1).String() == "nil"
		},
		gen.OneConstOf("io", "debug", "dofile", "loadfile"),
	))

	properties.TestingRun(t)
}
