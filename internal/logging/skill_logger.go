package logging

import (
	log "github.com/sirupsen/logrus"
)

// ComponentField tags entries with the component that emitted them.
const ComponentField = "component"

// SkillLogger adapts a logrus entry to the three-level logger the hook
// handlers write to.
type SkillLogger struct {
	entry *log.Entry
}

// NewSkillLogger returns a logger tagging every entry with component. A nil
// logger selects the standard logrus logger.
func NewSkillLogger(logger *log.Logger, component string) *SkillLogger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SkillLogger{entry: logger.WithField(ComponentField, component)}
}

// With returns a logger carrying an extra field.
func (l *SkillLogger) With(key string, value any) *SkillLogger {
	return &SkillLogger{entry: l.entry.WithField(key, value)}
}

func (l *SkillLogger) Info(msg string)  { l.entry.Info(msg) }
func (l *SkillLogger) Warn(msg string)  { l.entry.Warn(msg) }
func (l *SkillLogger) Error(msg string) { l.entry.Error(msg) }
