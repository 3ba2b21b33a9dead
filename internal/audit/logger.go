// Package audit records every supervisor mode transition and blocked task to a
// dedicated JSON-lines log for later review.
package audit

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Action types written to the audit log.
const (
	ActionModeSwitchLocal = "mode_switch_local"
	ActionModeRecovered   = "mode_recovered_cloud"
	ActionModeForced      = "mode_forced"
	ActionTaskBlocked     = "task_blocked"
)

// Entry records a single supervisor decision.
type Entry struct {
	// Timestamp is when the decision was made.
	Timestamp time.Time `json:"timestamp"`

	// Action categorizes the decision (e.g., "mode_switch_local", "task_blocked").
	Action string `json:"action"`

	// FromMode and ToMode describe a transition. Both are empty for blocked tasks.
	FromMode string `json:"from_mode,omitempty"`
	ToMode   string `json:"to_mode,omitempty"`

	// Model is the local model involved, if any.
	Model string `json:"model,omitempty"`

	// Reason is the provider error, operator note or block reason.
	Reason string `json:"reason,omitempty"`

	// Details holds action-specific metadata such as the task intent.
	Details map[string]any `json:"details,omitempty"`
}

// Config holds configuration for the audit logger.
type Config struct {
	Enabled    bool
	LogPath    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger writes audit entries to a rotating file. A disabled Logger, and a nil
// *Logger, discard everything.
type Logger struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	file     *lumberjack.Logger
	enabled  bool
	logPath  string
	fallback *log.Logger
}

// NewLogger creates an audit logger. If audit logging is disabled the logger is a no-op.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{fallback: log.StandardLogger()}, nil
	}

	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 20
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0700); err != nil {
		return nil, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	return &Logger{
		encoder:  json.NewEncoder(fileLogger),
		file:     fileLogger,
		enabled:  true,
		logPath:  cfg.LogPath,
		fallback: log.StandardLogger(),
	}, nil
}

// Enabled reports whether entries are written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Path returns the audit log path, empty when disabled.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.logPath
}

// Record writes an entry. It is safe for concurrent use.
func (l *Logger) Record(entry Entry) {
	if !l.Enabled() {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(entry); err != nil {
		l.fallback.WithFields(log.Fields{
			"error":  err.Error(),
			"action": entry.Action,
			"to":     entry.ToMode,
		}).Error("failed to write audit log entry")
	}
}

// ModeSwitch records a transition between modes.
func (l *Logger) ModeSwitch(action, from, to, model, reason string, at time.Time) {
	l.Record(Entry{
		Timestamp: at,
		Action:    action,
		FromMode:  from,
		ToMode:    to,
		Model:     model,
		Reason:    reason,
	})
}

// TaskBlocked records a code action refused for lack of confirmation.
func (l *Logger) TaskBlocked(intent, model, reason string, at time.Time) {
	l.Record(Entry{
		Timestamp: at,
		Action:    ActionTaskBlocked,
		Model:     model,
		Reason:    reason,
		Details:   map[string]any{"intent": intent},
	})
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	if !l.Enabled() || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Rotate forces a log file rotation.
func (l *Logger) Rotate() error {
	if !l.Enabled() || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Rotate()
}
