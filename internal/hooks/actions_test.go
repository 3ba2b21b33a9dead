package hooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localhostURL(server *httptest.Server) string {
	return strings.Replace(server.URL, "127.0.0.1", "localhost", 1)
}

func fastWebhookHandler() *WebhookHandler {
	h := NewWebhookHandler()
	h.backoff = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	h.client.Timeout = 200 * time.Millisecond
	return h
}

func TestHandleLogWarning(t *testing.T) {
	ctx := &EventContext{Event: EventTaskBlocked, Timestamp: time.Now(), Mode: "local"}

	assert.NoError(t, handleLogWarning(&Hook{Name: "warn", Params: map[string]any{"message": "blocked"}}, ctx))
	assert.NoError(t, handleLogWarning(&Hook{Name: "warn"}, ctx))
}

func TestWebhookHandler_Success(t *testing.T) {
	var payload map[string]any
	var signature string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Hook-Signature")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	hook := &Hook{ID: "switch-alert", Params: map[string]any{"url": localhostURL(server), "secret": "s3cret"}}
	ctx := &EventContext{
		Event:        EventModeSwitchedLocal,
		Timestamp:    time.Now(),
		Mode:         "local",
		Model:        "qwen2.5:7b",
		ErrorMessage: "429 Too Many Requests",
		Data:         map[string]any{"since": 1700000000000},
	}

	require.NoError(t, fastWebhookHandler().Handle(hook, ctx))

	assert.Equal(t, "mode_switched_local", payload["event"])
	assert.Equal(t, "switch-alert", payload["hook_id"])
	assert.Equal(t, "local", payload["mode"])
	assert.Equal(t, "qwen2.5:7b", payload["model"])
	assert.Equal(t, "429 Too Many Requests", payload["error"])
	assert.NotContains(t, payload, "intent")
	assert.Equal(t, "sha256="+sign("s3cret", body), signature)
}

func TestWebhookHandler_RejectsInsecureURL(t *testing.T) {
	h := fastWebhookHandler()
	ctx := &EventContext{Event: EventTaskBlocked}

	err := h.Handle(&Hook{Params: map[string]any{"url": "http://example.com/hook"}}, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure webhook url")

	err = h.Handle(&Hook{Params: map[string]any{}}, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing webhook url")
}

func TestWebhookHandler_RateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	h := fastWebhookHandler()
	hook := &Hook{Params: map[string]any{"url": localhostURL(server)}}
	ctx := &EventContext{Event: EventLLMError}

	for i := 0; i < webhookLimitPerMinute; i++ {
		require.NoError(t, h.Handle(hook, ctx), "call %d", i+1)
	}

	err := h.Handle(hook, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Equal(t, int32(webhookLimitPerMinute), atomic.LoadInt32(&calls))
}

func TestWebhookHandler_ConcurrentRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	h := fastWebhookHandler()
	hook := &Hook{Params: map[string]any{"url": localhostURL(server)}}

	var ok, limited int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Handle(hook, &EventContext{Event: EventLLMError}); err != nil {
				atomic.AddInt32(&limited, 1)
				return
			}
			atomic.AddInt32(&ok, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(webhookLimitPerMinute), ok)
	assert.Equal(t, int32(25-webhookLimitPerMinute), limited)
}

func TestWebhookHandler_Retry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	err := fastWebhookHandler().Handle(&Hook{Params: map[string]any{"url": localhostURL(server)}}, &EventContext{Event: EventLLMError})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookHandler_RetryFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := fastWebhookHandler().Handle(&Hook{Params: map[string]any{"url": localhostURL(server)}}, &EventContext{Event: EventLLMError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook failed after retries")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestHandleRunCommand(t *testing.T) {
	ctx := &EventContext{Event: EventModeSwitchedLocal, Mode: "local"}

	assert.NoError(t, handleRunCommand(&Hook{Params: map[string]any{"command": "echo switched"}}, ctx))

	err := handleRunCommand(&Hook{Params: map[string]any{"command": "rm -rf /"}}, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the whitelist")

	err = handleRunCommand(&Hook{Params: map[string]any{"command": "   "}}, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing command")
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (r *recordingBroadcaster) All(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return r.err
}

func TestRegisterBroadcaster(t *testing.T) {
	manager, bus, dir := newTestManager(t)
	b := &recordingBroadcaster{}
	RegisterBroadcaster(manager, b)

	writeHook(t, dir, "tell.yaml", `
event: mode_forced
action: notify_users
enabled: true
params:
  message: "An operator changed the LLM mode."
`)
	require.NoError(t, manager.LoadHooks())
	manager.SubscribeToAllEvents()

	bus.Publish(&EventContext{Event: EventModeForced, Mode: "local"})
	manager.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"An operator changed the LLM mode."}, b.messages)
}

func TestNotifyUsersAction_Errors(t *testing.T) {
	manager, _, _ := newTestManager(t)
	b := &recordingBroadcaster{err: errors.New("offline")}
	RegisterBroadcaster(manager, b)

	handler := manager.actionHandlers[ActionNotifyUsers]
	require.NotNil(t, handler)

	assert.Error(t, handler(&Hook{}, &EventContext{}))
	assert.EqualError(t, handler(&Hook{Params: map[string]any{"message": "hi"}}, &EventContext{}), "offline")
}

func TestRegisterBuiltInActions(t *testing.T) {
	manager, _, _ := newTestManager(t)

	for _, action := range []HookAction{ActionLogWarning, ActionNotifyWebhook, ActionRunCommand} {
		assert.Contains(t, manager.actionHandlers, action)
	}
	assert.NotContains(t, manager.actionHandlers, ActionNotifyUsers)
}
