package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/db"
	"escrowflow/logging"
	"escrowflow/observability"
	"escrowflow/order"
)

// Kind names a carrier or vault signal.
type Kind string

const (
	KindShipped   Kind = "order.shipped"
	KindDelivered Kind = "order.delivered"
)

// ErrMalformedSignal is returned by Handle for payloads that can never succeed.
var ErrMalformedSignal = errors.New("fulfillment: malformed signal")

// Signal is the JSON body published by the fulfillment provider.
type Signal struct {
	Type       Kind      `json:"type"`
	OrderID    string    `json:"order_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Handler applies shipped and delivered signals to orders. Both transitions
// are idempotent so redelivered messages are harmless.
type Handler struct {
	pool    db.TxBeginner
	orders  order.Repository
	grace   time.Duration
	logger  *zap.Logger
	metrics *observability.EscrowMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewHandler(pool db.TxBeginner, orders order.Repository, grace time.Duration) *Handler {
	if grace <= 0 {
		grace = order.DefaultConfirmationGrace
	}
	return &Handler{
		pool:    pool,
		orders:  orders,
		grace:   grace,
		logger:  zap.NewNop(),
		metrics: observability.Escrow(),
		tracer:  observability.Tracer("fulfillment"),
		now:     time.Now,
	}
}

func (h *Handler) WithLogger(logger *zap.Logger) *Handler {
	h.logger = logging.OrNop(logger)
	return h
}

func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Handle decodes and applies one raw signal.
func (h *Handler) Handle(ctx context.Context, raw []byte) error {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if sig.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrMalformedSignal)
	}
	switch sig.Type {
	case KindShipped:
		_, err := h.OrderShipped(ctx, sig.OrderID, sig.OccurredAt)
		return err
	case KindDelivered:
		_, err := h.OrderDelivered(ctx, sig.OrderID, sig.OccurredAt)
		return err
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, sig.Type)
	}
}

// Permanent reports whether err will recur on redelivery.
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformedSignal) ||
		errors.Is(err, order.ErrOrderNotFound) ||
		errors.Is(err, order.ErrPreconditionFailed) ||
		errors.Is(err, order.ErrInvalidInput)
}

// OrderShipped moves a paid order to shipped. Orders already shipped or
// delivered are left alone.
func (h *Handler) OrderShipped(ctx context.Context, orderID string, at time.Time) (changed bool, err error) {
	ctx, span := h.tracer.Start(ctx, "fulfillment.shipped",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		h.metrics.FulfillmentHandled(string(KindShipped), err)
		observability.EndSpan(span, err)
	}()

	return h.apply(ctx, orderID, func(o *order.Order, now time.Time) (bool, order.Event, error) {
		switch o.Status {
		case order.StatusShipped, order.StatusDelivered:
			return false, order.Event{}, nil
		case order.StatusPaid:
		default:
			return false, order.Event{}, fmt.Errorf("%w: cannot ship a %s order", order.ErrPreconditionFailed, o.Status)
		}
		shippedAt := signalTime(at, now)
		o.Status = order.StatusShipped
		o.ShippedAt = &shippedAt
		return true, order.Event{
			OrderID: o.ID,
			Type:    order.EventShipped,
			Payload: map[string]any{"shipped_at": shippedAt},
		}, nil
	})
}

// OrderDelivered moves a paid or shipped order to delivered and starts the
// confirmation window.
func (h *Handler) OrderDelivered(ctx context.Context, orderID string, at time.Time) (changed bool, err error) {
	ctx, span := h.tracer.Start(ctx, "fulfillment.delivered",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		h.metrics.FulfillmentHandled(string(KindDelivered), err)
		observability.EndSpan(span, err)
	}()

	return h.apply(ctx, orderID, func(o *order.Order, now time.Time) (bool, order.Event, error) {
		if o.DeliveredAt != nil {
			return false, order.Event{}, nil
		}
		if o.Status != order.StatusPaid && o.Status != order.StatusShipped {
			return false, order.Event{}, fmt.Errorf("%w: cannot deliver a %s order", order.ErrPreconditionFailed, o.Status)
		}
		deliveredAt := signalTime(at, now)
		o.Status = order.StatusDelivered
		o.DeliveredAt = &deliveredAt
		if o.ConfirmationDeadline == nil {
			deadline := deliveredAt.Add(h.grace)
			o.ConfirmationDeadline = &deadline
		}
		return true, order.Event{
			OrderID: o.ID,
			Type:    order.EventDelivered,
			Payload: map[string]any{
				"delivered_at":          deliveredAt,
				"confirmation_deadline": *o.ConfirmationDeadline,
			},
		}, nil
	})
}

func signalTime(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at.UTC()
}

func (h *Handler) apply(ctx context.Context, orderID string, fn func(*order.Order, time.Time) (bool, order.Event, error)) (bool, error) {
	if orderID == "" {
		return false, fmt.Errorf("%w: missing order id", order.ErrInvalidInput)
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("fulfillment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := h.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return false, err
	}

	now := h.now().UTC()
	changed, ev, err := fn(&o, now)
	if err != nil || !changed {
		return false, err
	}
	o.UpdatedAt = now

	if err := h.orders.Update(ctx, tx, o); err != nil {
		return false, err
	}
	if err := h.orders.AppendEvent(ctx, tx, ev); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("fulfillment: commit tx: %w", err)
	}

	h.logger.Info("fulfillment signal applied",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
	)
	return true, nil
}
