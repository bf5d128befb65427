package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"escrowflow/logging"
	"escrowflow/observability"
)

// EventType names a notification the workflow emits.
type EventType string

const (
	EventAwaitingConfirmation EventType = "order.confirmation.waiting"
	EventOrderCompleted       EventType = "order.confirmation.completed"
	EventEscalationOpened     EventType = "escalation.opened"
	EventEscalationResolved   EventType = "escalation.resolved"
	EventShippingRequested    EventType = "shipping.requested"
	EventShippingApproved     EventType = "shipping.approved"
	EventShippingConfirmed    EventType = "shipping.confirmed"
)

// Notifier delivers a single notification. Delivery mechanics live behind it.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, event EventType, payload map[string]any) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, EventType, map[string]any) error { return nil }

const defaultTimeout = 5 * time.Second

// Dispatcher fans a notification out to recipients after a commit. Failures are
// logged and counted, never returned.
type Dispatcher struct {
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.EscrowMetrics
	timeout  time.Duration
}

func NewDispatcher(n Notifier, logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if n == nil {
		n = NopNotifier{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		notifier: n,
		logger:   logging.OrNop(logger),
		metrics:  observability.Escrow(),
		timeout:  timeout,
	}
}

// Send notifies each distinct recipient once. It detaches from the caller's
// cancellation so a finished request does not drop notifications for a
// transaction that already committed.
func (d *Dispatcher) Send(ctx context.Context, recipients []string, event EventType, payload map[string]any) {
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	seen := make(map[string]struct{}, len(recipients))
	for _, id := range recipients {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := d.notifier.Notify(ctx, id, event, payload); err != nil {
			d.metrics.NotificationFailed(string(event))
			d.logger.Warn("notification failed",
				zap.String("recipient_id", id),
				zap.String("event", string(event)),
				zap.Error(err),
			)
		}
	}
}
