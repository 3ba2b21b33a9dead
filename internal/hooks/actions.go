package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	webhookLimitPerMinute = 10
	commandTimeout        = 10 * time.Second
)

var allowedCommands = []string{"echo", "logger", "notify-send"}

// RegisterBuiltInActions registers the default action handlers.
func RegisterBuiltInActions(m *HookManager) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	m.RegisterAction(ActionNotifyWebhook, NewWebhookHandler().Handle)
	m.RegisterAction(ActionRunCommand, handleRunCommand)
}

// RegisterBroadcaster enables the notify_users action, which relays a hook's
// message param to every user through b.
func RegisterBroadcaster(m *HookManager, b Broadcaster) {
	m.RegisterAction(ActionNotifyUsers, func(hook *Hook, ctx *EventContext) error {
		msg, _ := hook.Params["message"].(string)
		if msg == "" {
			return fmt.Errorf("missing message param")
		}
		return b.All(context.Background(), msg)
	})
}

func handleLogWarning(hook *Hook, ctx *EventContext) error {
	msg, _ := hook.Params["message"].(string)
	if msg == "" {
		msg = "hook triggered"
	}
	log.WithFields(log.Fields{
		"hook":  hook.Name,
		"event": ctx.Event,
		"mode":  ctx.Mode,
	}).Warn(msg)
	return nil
}

// WebhookHandler posts signed event payloads, limited to ten calls per minute
// per URL and retried with backoff.
type WebhookHandler struct {
	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	client       *http.Client
	backoff      []time.Duration
}

type rateLimiter struct {
	count    int
	lastTime time.Time
}

// NewWebhookHandler returns a handler retrying after 1s, 2s and 4s.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		rateLimiters: make(map[string]*rateLimiter),
		client:       &http.Client{Timeout: 5 * time.Second},
		backoff:      []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Handle implements ActionHandler.
func (h *WebhookHandler) Handle(hook *Hook, ctx *EventContext) error {
	url, _ := hook.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("missing webhook url")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://localhost") {
		return fmt.Errorf("insecure webhook url (must be https or localhost): %s", url)
	}
	if !h.checkRateLimit(url) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", url)
	}

	secret, _ := hook.Params["secret"].(string)

	payload := map[string]any{
		"event":     ctx.Event,
		"timestamp": ctx.Timestamp,
		"hook_id":   hook.ID,
		"data":      ctx.Data,
	}
	if ctx.Mode != "" {
		payload["mode"] = ctx.Mode
	}
	if ctx.Model != "" {
		payload["model"] = ctx.Model
	}
	if ctx.Intent != "" {
		payload["intent"] = ctx.Intent
	}
	if ctx.ErrorMessage != "" {
		payload["error"] = ctx.ErrorMessage
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= len(h.backoff); attempt++ {
		if attempt > 0 {
			time.Sleep(h.backoff[attempt-1])
		}

		lastErr = h.post(url, secret, body)
		if lastErr == nil {
			return nil
		}
		log.Warnf("webhook attempt %d failed: %v", attempt+1, lastErr)
	}

	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (h *WebhookHandler) post(url, secret string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "llm-supervisor-hooks/1.0")

	if secret != "" {
		req.Header.Set("X-Hook-Signature", "sha256="+sign(secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) checkRateLimit(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	limiter, exists := h.rateLimiters[url]
	if !exists {
		limiter = &rateLimiter{lastTime: now}
		h.rateLimiters[url] = limiter
	}

	if now.Sub(limiter.lastTime) > time.Minute {
		limiter.count = 0
		limiter.lastTime = now
	}

	if limiter.count >= webhookLimitPerMinute {
		return false
	}

	limiter.count++
	return true
}

func handleRunCommand(hook *Hook, ctx *EventContext) error {
	cmdStr, _ := hook.Params["command"].(string)
	cmdParts := strings.Fields(cmdStr)
	if len(cmdParts) == 0 {
		return fmt.Errorf("missing command")
	}

	isAllowed := false
	for _, allowed := range allowedCommands {
		if cmdParts[0] == allowed {
			isAllowed = true
			break
		}
	}
	if !isAllowed {
		return fmt.Errorf("command '%s' is not in the whitelist", cmdParts[0])
	}

	runCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cmdParts[0], cmdParts[1:]...)
	cmd.Env = append(cmd.Environ(),
		"LLM_SUPERVISOR_EVENT="+string(ctx.Event),
		"LLM_SUPERVISOR_MODE="+ctx.Mode,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command failed: %v, output: %s", err, string(out))
	}

	return nil
}
