// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package plugin provides LUA-based classifiers for the llm-supervisor skill.
// A plugin can recognize provider errors as rate limits and task intents as code
// actions beyond the built-in lists. Plugins can only widen those checks.
package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"
)

// Hook names a plugin may implement.
const (
	HookIsRateLimit  = "is_rate_limit"
	HookIsCodeAction = "is_code_action"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 250 * time.Millisecond

var slugRegex = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// IsValidPluginID checks if the plugin ID is a valid slug.
func IsValidPluginID(id string) bool {
	return slugRegex.MatchString(id)
}

// Config configures a LuaEngine.
type Config struct {
	// Enabled determines if the plugin engine is active
	Enabled bool
	// PluginDir is the directory holding one sub-directory per plugin
	PluginDir string
	// EnabledPlugins specifies the plugin IDs to load
	EnabledPlugins []string
	// Timeout bounds each hook call. Default: DefaultTimeout.
	Timeout time.Duration
}

// LuaEngine runs classifier plugins. It implements supervisor.Classifier.
type LuaEngine struct {
	pool      sync.Pool
	pluginDir string
	scripts   map[string]*lua.FunctionProto
	scriptsMu sync.RWMutex
	enabled   bool
	timeout   time.Duration

	enabledPlugins []string
}

// NewLuaEngine creates a new LUA plugin engine with the given configuration.
func NewLuaEngine(cfg Config) *LuaEngine {
	if !cfg.Enabled {
		return &LuaEngine{enabled: false}
	}

	engine := &LuaEngine{
		pluginDir:      cfg.PluginDir,
		scripts:        make(map[string]*lua.FunctionProto),
		enabled:        true,
		timeout:        cfg.Timeout,
		enabledPlugins: cfg.EnabledPlugins,
	}
	if engine.timeout <= 0 {
		engine.timeout = DefaultTimeout
	}

	engine.pool = sync.Pool{
		New: func() interface{} {
			// SECURITY: Restrict standard libraries to prevent RCE
			L := lua.NewState(lua.Options{
				SkipOpenLibs: true,
			})

			lua.OpenBase(L)
			lua.OpenTable(L)
			lua.OpenString(L)
			lua.OpenMath(L)
			lua.OpenPackage(L)

			// Safe subset of os (date/time only)
			osTbl := L.NewTable()
			L.SetField(osTbl, "date", L.NewFunction(func(L *lua.LState) int {
				format := L.OptString(1, "%c")
				t := time.Now()
				if L.GetTop() >= 2 {
					t = time.Unix(int64(L.CheckNumber(2)), 0)
				}
				L.Push(lua.LString(t.Format(luaDateFormatToGo(format))))
				return 1
			}))
			L.SetField(osTbl, "time", L.NewFunction(func(L *lua.LState) int {
				L.Push(lua.LNumber(time.Now().Unix()))
				return 1
			}))
			L.SetGlobal("os", osTbl)

			L.SetGlobal("dofile", lua.LNil)
			L.SetGlobal("loadfile", lua.LNil)

			registerSupervisorModule(L)

			return L
		},
	}

	if cfg.PluginDir != "" {
		if err := engine.LoadPlugins(); err != nil {
			log.Warnf("failed to load LUA plugins from %s: %v", cfg.PluginDir, err)
		}
	}

	return engine
}

// IsEnabled returns whether the LUA engine is enabled.
func (e *LuaEngine) IsEnabled() bool {
	return e != nil && e.enabled
}

// Plugins returns the IDs of the loaded plugins, sorted.
func (e *LuaEngine) Plugins() []string {
	if !e.IsEnabled() {
		return nil
	}
	e.scriptsMu.RLock()
	defer e.scriptsMu.RUnlock()
	ids := make([]string, 0, len(e.scripts))
	for id := range e.scripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *LuaEngine) getState() *lua.LState {
	return e.pool.Get().(*lua.LState)
}

func (e *LuaEngine) putState(L *lua.LState) {
	L.SetTop(0)
	e.pool.Put(L)
}

// LoadPlugins rescans the plugin directory and replaces the loaded set.
func (e *LuaEngine) LoadPlugins() error {
	if !e.IsEnabled() || e.pluginDir == "" {
		return nil
	}

	if _, err := os.Stat(e.pluginDir); os.IsNotExist(err) {
		log.Debugf("plugin directory %s does not exist, skipping", e.pluginDir)
		return nil
	}

	entries, err := os.ReadDir(e.pluginDir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	if len(e.enabledPlugins) == 0 {
		log.Debug("no plugins explicitly enabled, skipping discovery")
		return nil
	}

	loaded := make(map[string]*lua.FunctionProto)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginID := entry.Name()
		if !IsValidPluginID(pluginID) {
			log.Warnf("skipping plugin with invalid directory name '%s' (must be slug-style)", pluginID)
			continue
		}
		if !e.isPluginEnabled(pluginID) {
			continue
		}

		proto, err := e.loadPlugin(pluginID)
		if err != nil {
			log.Warnf("failed to load plugin %s: %v", pluginID, err)
			continue
		}
		loaded[pluginID] = proto
	}

	e.scriptsMu.Lock()
	e.scripts = loaded
	e.scriptsMu.Unlock()
	return nil
}

func (e *LuaEngine) isPluginEnabled(id string) bool {
	for _, enabled := range e.enabledPlugins {
		if enabled == id {
			return true
		}
	}
	return false
}

// loadPlugin compiles a plugin directory (schema.lua + handler.lua).
func (e *LuaEngine) loadPlugin(pluginID string) (*lua.FunctionProto, error) {
	pluginPath := filepath.Join(e.pluginDir, pluginID)

	L := e.getState()
	defer e.putState(L)

	if err := setPackagePath(L, pluginPath); err != nil {
		return nil, err
	}

	if err := L.DoFile(filepath.Join(pluginPath, "schema.lua")); err != nil {
		return nil, fmt.Errorf("failed to load schema.lua: %w", err)
	}
	schemaTbl := L.Get(-1)
	if schemaTbl.Type() != lua.LTTable {
		return nil, fmt.Errorf("schema.lua must return a table")
	}
	if name := L.GetField(schemaTbl, "name").String(); name != pluginID {
		return nil, fmt.Errorf("schema.name ('%s') does not match folder name ('%s')", name, pluginID)
	}
	log.Infof("loading plugin: %s (%s)", L.GetField(schemaTbl, "display_name").String(), pluginID)

	handlerContent, err := os.ReadFile(filepath.Join(pluginPath, "handler.lua"))
	if err != nil {
		return nil, fmt.Errorf("failed to read handler.lua: %w", err)
	}
	fn, err := L.LoadString(string(handlerContent))
	if err != nil {
		return nil, fmt.Errorf("failed to compile handler.lua: %w", err)
	}
	return fn.Proto, nil
}

// IsRateLimit reports whether any plugin classifies the error as a rate limit.
func (e *LuaEngine) IsRateLimit(message, code string) bool {
	return e.any(HookIsRateLimit, func(L *lua.LState) []lua.LValue {
		arg := L.NewTable()
		L.SetField(arg, "message", lua.LString(message))
		L.SetField(arg, "code", lua.LString(code))
		return []lua.LValue{arg}
	})
}

// IsCodeAction reports whether any plugin classifies intent as a code action.
func (e *LuaEngine) IsCodeAction(intent string) bool {
	return e.any(HookIsCodeAction, func(*lua.LState) []lua.LValue {
		return []lua.LValue{lua.LString(intent)}
	})
}

// any runs hook across the loaded plugins, in ID order, until one returns true.
// Failing plugins are logged and count as false.
func (e *LuaEngine) any(hook string, args func(*lua.LState) []lua.LValue) bool {
	for _, id := range e.Plugins() {
		e.scriptsMu.RLock()
		proto := e.scripts[id]
		e.scriptsMu.RUnlock()
		if proto == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		ok, err := e.call(ctx, id, proto, hook, args)
		cancel()
		if err != nil {
			log.Debugf("hook %s in %s returned error: %v", hook, id, err)
			continue
		}
		if ok {
			log.Debugf("plugin %s matched %s", id, hook)
			return true
		}
	}
	return false
}

// call runs a single hook function from a compiled handler. Handlers return a
// table whose fields are the hooks, called with the table as self.
func (e *LuaEngine) call(ctx context.Context, pluginID string, proto *lua.FunctionProto, hook string, args func(*lua.LState) []lua.LValue) (bool, error) {
	L := e.getState()
	defer e.putState(L)
	defer L.RemoveContext()

	if err := setPackagePath(L, filepath.Join(e.pluginDir, pluginID)); err != nil {
		return false, err
	}
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("failed to load handler: %w", err)
	}
	pluginTbl := L.Get(-1)
	L.Pop(1)
	if pluginTbl.Type() != lua.LTTable {
		return false, fmt.Errorf("handler.lua must return a table")
	}

	hookFn := L.GetField(pluginTbl, hook)
	if hookFn.Type() != lua.LTFunction {
		return false, nil
	}

	L.Push(hookFn)
	L.Push(pluginTbl)
	callArgs := args(L)
	for _, a := range callArgs {
		L.Push(a)
	}
	if err := L.PCall(1+len(callArgs), 1, nil); err != nil {
		return false, fmt.Errorf("hook %s failed: %w", hook, err)
	}
	result := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(result), nil
}

// Close unloads every plugin and disables the engine.
func (e *LuaEngine) Close() {
	if e == nil {
		return
	}
	e.scriptsMu.Lock()
	e.scripts = nil
	e.scriptsMu.Unlock()
	e.enabled = false
}

// setPackagePath puts pluginPath first on package.path so a handler can
// require() its own files. The original path is kept in package.base_path.
func setPackagePath(L *lua.LState, pluginPath string) error {
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return fmt.Errorf("failed to set package.path: package library not loaded")
	}
	base, ok := L.GetField(pkg, "base_path").(lua.LString)
	if !ok {
		base, _ = L.GetField(pkg, "path").(lua.LString)
		L.SetField(pkg, "base_path", base)
	}
	L.SetField(pkg, "path", lua.LString(fmt.Sprintf("%s/?.lua;%s", pluginPath, base)))
	return nil
}

// registerSupervisorModule registers the 'supervisor' global table with host functions.
func registerSupervisorModule(L *lua.LState) {
	mod := L.NewTable()

	// supervisor.log(level, message)
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		entry := log.WithField("component", "lua")
		switch level {
		case "debug":
			entry.Debug(msg)
		case "warn":
			entry.Warn(msg)
		case "error":
			entry.Error(msg)
		default:
			entry.Info(msg)
		}
		return 0
	}))

	// supervisor.json_get(body, path) -> string|nil
	// Reads a value from a JSON document using gjson path syntax.
	L.SetField(mod, "json_get", L.NewFunction(func(L *lua.LState) int {
		body := L.CheckString(1)
		path := L.CheckString(2)
		if !gjson.Valid(body) {
			L.Push(lua.LNil)
			return 1
		}
		res := gjson.Get(body, path)
		if !res.Exists() {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(res.String()))
		return 1
	}))

	// supervisor.contains_any(text, {needles}) -> bool, case-insensitive
	L.SetField(mod, "contains_any", L.NewFunction(func(L *lua.LState) int {
		text := strings.ToLower(L.CheckString(1))
		needles := L.CheckTable(2)
		found := false
		needles.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok && s != "" && strings.Contains(text, strings.ToLower(string(s))) {
				found = true
			}
		})
		L.Push(lua.LBool(found))
		return 1
	}))

	L.SetGlobal("supervisor", mod)
}

// luaDateFormatToGo converts a strftime-style format to a Go layout. Only the
// common tokens are supported.
func luaDateFormatToGo(luaFormat string) string {
	if luaFormat == "" || luaFormat == "%c" {
		return time.RFC3339
	}
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
		"%z", "-0700",
		"%Z", "MST",
	)
	out := replacer.Replace(luaFormat)
	if out == luaFormat && !strings.Contains(luaFormat, "-") && !strings.Contains(luaFormat, ":") {
		return time.RFC3339
	}
	return out
}
