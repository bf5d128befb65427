package confirmation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/db"
	"escrowflow/logging"
	"escrowflow/notify"
	"escrowflow/observability"
	"escrowflow/order"
	"escrowflow/outbox"
)

// Outcome reports what a Confirm call did.
type Outcome struct {
	Order order.Order
	// Changed is true when this call recorded the actor's confirmation.
	Changed bool
	// Completed is true when this call performed the both-confirmed transition.
	Completed bool
	// AlreadyResolved is true when the order was already completed or refunded.
	AlreadyResolved bool
}

// Engine runs the two-party completion handshake. Funds are released only
// once buyer and seller have both confirmed.
type Engine struct {
	pool       db.TxBeginner
	orders     order.Repository
	outbox     outbox.Writer
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
	metrics    *observability.EscrowMetrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewEngine(pool db.TxBeginner, orders order.Repository, ob outbox.Writer, dispatcher *notify.Dispatcher) *Engine {
	return &Engine{
		pool:       pool,
		orders:     orders,
		outbox:     ob,
		dispatcher: dispatcher,
		logger:     zap.NewNop(),
		metrics:    observability.Escrow(),
		tracer:     observability.Tracer("confirmation"),
		now:        time.Now,
	}
}

func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	e.logger = logging.OrNop(logger)
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Confirm records the actor's confirmation on the order. Repeat calls and
// calls on settled orders are no-ops that return the current state.
func (e *Engine) Confirm(ctx context.Context, orderID, actorID string) (out Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "confirmation.confirm",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		e.metrics.ObserveOperation("confirm", observability.Outcome(err))
		observability.EndSpan(span, err)
	}()

	if orderID == "" {
		return Outcome{}, fmt.Errorf("%w: missing order id", order.ErrInvalidInput)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("confirmation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := e.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	party, err := o.PartyOf(actorID)
	if err != nil {
		return Outcome{}, err
	}
	if o.Terminal() {
		return Outcome{Order: o, AlreadyResolved: true}, nil
	}
	// a retried confirmation stays a no-op after the order moved on
	if o.ConfirmedAt(party) != nil {
		return Outcome{Order: o}, nil
	}
	if !o.AwaitingConfirmation() {
		return Outcome{}, fmt.Errorf("%w: order is %s with escrow %s",
			order.ErrPreconditionFailed, o.Status, o.EscrowStatus)
	}

	now := e.now().UTC()
	o.Confirm(party, now)

	completed := o.BothConfirmed()
	if completed {
		o.Status = order.StatusCompleted
		o.EscrowStatus = order.EscrowReleased
	}
	o.UpdatedAt = now

	if err := e.orders.Update(ctx, tx, o); err != nil {
		return Outcome{}, err
	}

	actor := actorID
	if err := e.orders.AppendEvent(ctx, tx, order.Event{
		OrderID: o.ID,
		Type:    order.EventConfirmed,
		ActorID: &actor,
		Payload: map[string]any{"party": string(party), "confirmed_at": now},
	}); err != nil {
		return Outcome{}, err
	}

	if completed {
		if err := e.orders.AppendEvent(ctx, tx, order.Event{
			OrderID: o.ID,
			Type:    order.EventCompleted,
			ActorID: &actor,
			Payload: map[string]any{"escrow_status": string(o.EscrowStatus)},
		}); err != nil {
			return Outcome{}, err
		}
		if e.outbox != nil {
			if err := e.outbox.Enqueue(ctx, tx, outbox.TopicEscrowRelease, outbox.EscrowInstruction(o, "mutual_confirmation", "")); err != nil {
				return Outcome{}, fmt.Errorf("confirmation: enqueue outbox: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("confirmation: commit tx: %w", err)
	}

	e.logger.Info("order confirmed",
		zap.String("order_id", o.ID),
		zap.String("actor_id", actorID),
		zap.String("party", string(party)),
		zap.Bool("completed", completed),
	)

	if completed {
		e.dispatcher.Send(ctx, o.Participants(), notify.EventOrderCompleted, map[string]any{
			"order_id": o.ID,
		})
	} else {
		e.dispatcher.Send(ctx, []string{o.PartyID(party.Counterparty())}, notify.EventAwaitingConfirmation, map[string]any{
			"order_id":     o.ID,
			"confirmed_by": string(party),
		})
	}

	return Outcome{Order: o, Changed: true, Completed: completed}, nil
}
