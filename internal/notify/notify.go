// Package notify delivers supervisor broadcasts to users. A LogNotifier writes
// them to the log, a Hub pushes them to websocket clients and Multi fans out to
// several notifiers.
package notify

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Notifier broadcasts a message to every connected user.
type Notifier interface {
	All(ctx context.Context, message string) error
}

// LogNotifier writes every broadcast to the log at info level.
type LogNotifier struct {
	entry *log.Entry
}

// NewLogNotifier returns a LogNotifier writing through logger, or the standard
// logger when nil.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogNotifier{entry: logger.WithField("component", "notify")}
}

// All logs message. Multi-line messages are joined with " / ".
func (n *LogNotifier) All(_ context.Context, message string) error {
	n.entry.Info(strings.Join(strings.Split(message, "\n"), " / "))
	return nil
}

// Multi sends each broadcast to every notifier, in order, and joins their errors.
type Multi []Notifier

// All implements Notifier.
func (m Multi) All(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.All(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
