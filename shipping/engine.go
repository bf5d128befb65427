package shipping

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/db"
	"escrowflow/logging"
	"escrowflow/notify"
	"escrowflow/observability"
	"escrowflow/order"
)

// Outcome reports what a shipping call did.
type Outcome struct {
	Order order.Order
	// Changed is true when this call wrote state.
	Changed bool
	// Switched is true when this call flipped delivery_option to ship.
	Switched bool
}

// Engine runs the vault-to-ship handshake: one party requests physical
// shipping, the other approves, and delivery_option flips once both agree.
type Engine struct {
	pool       db.TxBeginner
	orders     order.Repository
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
	metrics    *observability.EscrowMetrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewEngine(pool db.TxBeginner, orders order.Repository, dispatcher *notify.Dispatcher) *Engine {
	return &Engine{
		pool:       pool,
		orders:     orders,
		dispatcher: dispatcher,
		logger:     zap.NewNop(),
		metrics:    observability.Escrow(),
		tracer:     observability.Tracer("shipping"),
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

func shippable(o order.Order) error {
	switch o.Status {
	case order.StatusPaid, order.StatusShipped, order.StatusDelivered:
		return nil
	default:
		return fmt.Errorf("%w: cannot change delivery of a %s order", order.ErrPreconditionFailed, o.Status)
	}
}

// RequestShipping opens a shipping request on behalf of actorID, counting as
// the actor's own approval. If the counterparty already has a pending request,
// this call approves it.
func (e *Engine) RequestShipping(ctx context.Context, orderID, actorID string) (out Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "shipping.request",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		e.metrics.ObserveOperation("shipping_request", observability.Outcome(err))
		observability.EndSpan(span, err)
	}()

	return e.inTx(ctx, orderID, actorID, func(ctx context.Context, tx pgx.Tx, o order.Order, party order.Party) (Outcome, func(), error) {
		if o.DeliveryOption == order.DeliveryShip {
			return Outcome{}, nil, fmt.Errorf("%w: order already ships", order.ErrPreconditionFailed)
		}
		if err := shippable(o); err != nil {
			return Outcome{}, nil, err
		}
		if o.ShippingPending() {
			if o.ShippingApproved(party) {
				return Outcome{Order: o}, nil, nil
			}
			return e.approve(ctx, tx, o, party, actorID)
		}

		now := e.now().UTC()
		actor := actorID
		o.ShippingRequestedAt = &now
		o.ShippingRequestedBy = &actor
		o.ApproveShipping(party, now)
		o.UpdatedAt = now
		if err := e.orders.Update(ctx, tx, o); err != nil {
			return Outcome{}, nil, err
		}
		if err := e.orders.AppendEvent(ctx, tx, order.Event{
			OrderID: o.ID,
			Type:    order.EventShippingRequested,
			ActorID: &actor,
			Payload: map[string]any{"party": string(party)},
		}); err != nil {
			return Outcome{}, nil, err
		}

		counterparty := o.PartyID(party.Counterparty())
		announce := func() {
			e.dispatcher.Send(ctx, []string{counterparty}, notify.EventShippingRequested, map[string]any{
				"order_id":     o.ID,
				"requested_by": string(party),
			})
		}
		return Outcome{Order: o, Changed: true}, announce, nil
	})
}

// ApproveShipping records actorID's approval of a pending request.
func (e *Engine) ApproveShipping(ctx context.Context, orderID, actorID string) (out Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "shipping.approve",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		e.metrics.ObserveOperation("shipping_approve", observability.Outcome(err))
		observability.EndSpan(span, err)
	}()

	return e.inTx(ctx, orderID, actorID, func(ctx context.Context, tx pgx.Tx, o order.Order, party order.Party) (Outcome, func(), error) {
		if o.ShippingApproved(party) {
			return Outcome{Order: o}, nil, nil
		}
		if !o.ShippingPending() {
			return Outcome{}, nil, fmt.Errorf("%w: no pending shipping request", order.ErrPreconditionFailed)
		}
		if err := shippable(o); err != nil {
			return Outcome{}, nil, err
		}
		return e.approve(ctx, tx, o, party, actorID)
	})
}

func (e *Engine) approve(ctx context.Context, tx pgx.Tx, o order.Order, party order.Party, actorID string) (Outcome, func(), error) {
	now := e.now().UTC()
	actor := actorID
	o.ApproveShipping(party, now)
	switched := o.ShippingApproved(party.Counterparty())
	if switched {
		o.DeliveryOption = order.DeliveryShip
	}
	o.UpdatedAt = now

	if err := e.orders.Update(ctx, tx, o); err != nil {
		return Outcome{}, nil, err
	}
	if err := e.orders.AppendEvent(ctx, tx, order.Event{
		OrderID: o.ID,
		Type:    order.EventShippingApproved,
		ActorID: &actor,
		Payload: map[string]any{"party": string(party)},
	}); err != nil {
		return Outcome{}, nil, err
	}
	if switched {
		if err := e.orders.AppendEvent(ctx, tx, order.Event{
			OrderID: o.ID,
			Type:    order.EventDeliveryOptionShip,
			ActorID: &actor,
			Payload: map[string]any{"delivery_option": string(o.DeliveryOption)},
		}); err != nil {
			return Outcome{}, nil, err
		}
	}

	announce := func() {
		if switched {
			e.dispatcher.Send(ctx, o.Participants(), notify.EventShippingConfirmed, map[string]any{
				"order_id":        o.ID,
				"delivery_option": string(o.DeliveryOption),
			})
			return
		}
		e.dispatcher.Send(ctx, []string{o.PartyID(party.Counterparty())}, notify.EventShippingApproved, map[string]any{
			"order_id":    o.ID,
			"approved_by": string(party),
		})
	}
	return Outcome{Order: o, Changed: true, Switched: switched}, announce, nil
}

type mutation func(ctx context.Context, tx pgx.Tx, o order.Order, party order.Party) (Outcome, func(), error)

// inTx locks the order, runs fn, commits and then runs the notification
// callback fn returned.
func (e *Engine) inTx(ctx context.Context, orderID, actorID string, fn mutation) (Outcome, error) {
	if orderID == "" {
		return Outcome{}, fmt.Errorf("%w: missing order id", order.ErrInvalidInput)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("shipping: begin tx: %w", err)
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
		// retries from a party that already approved stay no-ops
		if o.ShippingApproved(party) {
			return Outcome{Order: o}, nil
		}
		return Outcome{}, order.ErrAlreadyResolved
	}

	out, announce, err := fn(ctx, tx, o, party)
	if err != nil {
		return Outcome{}, err
	}
	if !out.Changed {
		return out, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("shipping: commit tx: %w", err)
	}

	e.logger.Info("shipping handshake updated",
		zap.String("order_id", out.Order.ID),
		zap.String("actor_id", actorID),
		zap.Bool("switched", out.Switched),
	)
	if announce != nil {
		announce()
	}
	return out, nil
}
