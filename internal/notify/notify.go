// Package notify delivers user-facing events. Delivery is best effort:
// failures are logged by the sender and never escalated to callers.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Event types.
const (
	EventOrderRejected     = "order_rejected"
	EventRetryExhausted    = "retry_exhausted"
	EventOrderStale        = "order_stale"
	EventInsufficientFunds = "insufficient_funds"
	EventEscalationFailed  = "escalation_failed"
	EventFillAnomaly       = "fill_anomaly"
	EventSessionFatal      = "session_fatal"
	EventDailySummary      = "daily_summary"
)

// Payload carries event details such as symbol, reason and amounts.
type Payload map[string]any

// Notifier sends an event for a user.
type Notifier interface {
	Send(ctx context.Context, userID, eventType string, payload Payload) error
}

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// LogNotifier writes events to a logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a Notifier that logs every event at INFO.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

// Send implements Notifier.
func (n *LogNotifier) Send(ctx context.Context, userID, eventType string, payload Payload) error {
	args := []any{"user", userID, "event", eventType}
	for k, v := range payload {
		args = append(args, k, v)
	}
	n.log.InfoContext(ctx, "notification", args...)
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Multi sends to every sink and joins their errors.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, userID, eventType string, payload Payload) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, userID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, string, string, Payload) error { return nil }
