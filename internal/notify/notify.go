// Package notify delivers out-of-band messages such as invitations and
// password reset links.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Templates known to notifiers.
const (
	TemplateFarmInvitation = "farm_invitation"
	TemplatePasswordReset  = "password_reset"
)

// Message is one notification to one recipient.
type Message struct {
	To       string
	Template string
	Data     map[string]string
}

// Notifier delivers messages. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification", "to", msg.To, "template", msg.Template)
	n.logger.DebugContext(ctx, "notification payload", "template", msg.Template, "data", msg.Data)
	return nil
}

// sendTimeout bounds a single background delivery.
const sendTimeout = 10 * time.Second

// Send delivers msg in the background. Failures are logged, never returned,
// and the caller's cancellation does not abort delivery.
func Send(ctx context.Context, n Notifier, msg Message, logger *slog.Logger) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := n.Notify(ctx, msg); err != nil {
			logger.WarnContext(ctx, "notification failed", "template", msg.Template, "error", err)
		}
	}()
}
