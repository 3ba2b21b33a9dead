package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// HookManager loads hook rules from a directory and runs them against events
// published on the bus.
type HookManager struct {
	hooksDir       string
	hooks          map[HookEvent][]*Hook
	eventBus       *EventBus
	programs       map[string]*vm.Program
	actionHandlers map[HookAction]ActionHandler
	subscriptions  []*Subscription
	mu             sync.RWMutex
	running        sync.WaitGroup

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once
}

// NewHookManager creates a hook manager reading rules from hooksDir.
func NewHookManager(hooksDir string, eventBus *EventBus) (*HookManager, error) {
	if hooksDir == "" {
		return nil, fmt.Errorf("hooks directory is required")
	}
	if eventBus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	manager := &HookManager{
		hooksDir:       hooksDir,
		hooks:          make(map[HookEvent][]*Hook),
		eventBus:       eventBus,
		programs:       make(map[string]*vm.Program),
		actionHandlers: make(map[HookAction]ActionHandler),
		stopWatcher:    make(chan struct{}),
	}

	RegisterBuiltInActions(manager)

	return manager, nil
}

// LoadHooks (re)loads every enabled rule from the hooks directory. Files that
// fail to parse are logged and skipped.
func (m *HookManager) LoadHooks() error {
	if err := os.MkdirAll(m.hooksDir, 0700); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	newHooks := make(map[HookEvent][]*Hook)
	count := 0
	err := filepath.WalkDir(m.hooksDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("failed to read hook file %s: %v", path, err)
			return nil
		}

		var hook Hook
		if err := yaml.Unmarshal(data, &hook); err != nil {
			log.Errorf("failed to parse hook %s: %v", path, err)
			return nil
		}
		if hook.Event == "" || hook.Action == "" {
			log.Warnf("hook %s has no event or action, skipping", path)
			return nil
		}
		if hook.ID == "" {
			hook.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		hook.FilePath = path
		if hook.Enabled {
			newHooks[hook.Event] = append(newHooks[hook.Event], &hook)
			count++
			log.Debugf("loaded hook %s for event %s", hook.Name, hook.Event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.hooks = newHooks
	m.programs = make(map[string]*vm.Program)
	m.mu.Unlock()

	log.Infof("loaded %d hooks from %s", count, m.hooksDir)
	return nil
}

// SubscribeToAllEvents subscribes the manager to every supervisor event. Rules
// are looked up at dispatch time so reloads need no resubscription.
func (m *HookManager) SubscribeToAllEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscriptions) > 0 {
		return
	}
	for _, evt := range AllEvents {
		m.subscriptions = append(m.subscriptions, m.eventBus.Subscribe(evt, m.handleEvent))
	}
}

func (m *HookManager) handleEvent(ctx *EventContext) {
	m.mu.RLock()
	hooks := m.hooks[ctx.Event]
	m.mu.RUnlock()

	for _, hook := range hooks {
		matches, err := m.evaluateCondition(hook.Condition, ctx)
		if err != nil {
			log.Warnf("failed to evaluate hook condition '%s': %v", hook.Condition, err)
			continue
		}
		if !matches {
			continue
		}

		log.Infof("executing hook %s (action: %s)", hook.Name, hook.Action)
		m.running.Add(1)
		go func(h *Hook) {
			defer m.running.Done()
			m.executeAction(h, ctx)
		}(hook)
	}
}

func (m *HookManager) evaluateCondition(condition string, ctx *EventContext) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, exists := m.programs[condition]
	if !exists {
		var err error
		program, err = expr.Compile(condition)
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	data := ctx.Data
	if data == nil {
		data = map[string]any{}
	}
	env := map[string]any{
		"Event":     string(ctx.Event),
		"Timestamp": ctx.Timestamp,
		"Data":      data,
		"Mode":      ctx.Mode,
		"Model":     ctx.Model,
		"Intent":    ctx.Intent,
		"Error":     ctx.ErrorMessage,
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean")
	}
	return result, nil
}

func (m *HookManager) executeAction(hook *Hook, ctx *EventContext) {
	m.mu.RLock()
	handler, exists := m.actionHandlers[hook.Action]
	m.mu.RUnlock()

	if !exists {
		log.Warnf("no handler registered for action: %s", hook.Action)
		return
	}

	if err := handler(hook, ctx); err != nil {
		log.Errorf("action %s failed for hook %s: %v", hook.Action, hook.Name, err)
	}
}

// RegisterAction registers a handler for a specific action type.
func (m *HookManager) RegisterAction(action HookAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionHandlers[action] = handler
}

// Wait blocks until every action started so far has returned.
func (m *HookManager) Wait() {
	m.running.Wait()
}

// StartWatcher reloads the rules whenever the hooks directory changes.
func (m *HookManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.hooksDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.Infof("hooks directory changed (%s), reloading", event.Name)
				time.Sleep(100 * time.Millisecond)
				if err := m.LoadHooks(); err != nil {
					log.Errorf("failed to reload hooks: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("hooks watcher error: %v", err)
			case <-m.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// Stop stops the watcher, unsubscribes from the bus and waits for running actions.
func (m *HookManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopWatcher)
		if m.watcher != nil {
			m.watcher.Close()
		}
		m.mu.Lock()
		subs := m.subscriptions
		m.subscriptions = nil
		m.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
	m.Wait()
}

// HooksDir returns the hooks directory path.
func (m *HookManager) HooksDir() string {
	return m.hooksDir
}

// Hooks returns all loaded hooks.
func (m *HookManager) Hooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Hook, 0)
	for _, hooks := range m.hooks {
		result = append(result, hooks...)
	}
	return result
}

// Hook returns a loaded hook by ID, or nil.
func (m *HookManager) Hook(id string) *Hook {
	for _, h := range m.Hooks() {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// EvaluateCondition exposes condition evaluation for testing.
func (m *HookManager) EvaluateCondition(h *Hook, ctx *EventContext) (bool, error) {
	return m.evaluateCondition(h.Condition, ctx)
}
