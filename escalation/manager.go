package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/logging"
	"escrowflow/notify"
	"escrowflow/observability"
	"escrowflow/order"
	"escrowflow/outbox"
)

const (
	MaxReasonLength = 2000
	MaxNotesLength  = 4000
)

// Options wires the Manager's collaborators. Outbox, Dispatcher and Logger are optional.
type Options struct {
	Pool        db.TxBeginner
	Orders      order.Repository
	Escalations Repository
	Admins      auth.AdminDirectory
	Outbox      outbox.Writer
	Dispatcher  *notify.Dispatcher
	Logger      *zap.Logger
}

// Manager opens escalations (manual disputes and scanner timeouts) and
// arbitrates them.
type Manager struct {
	pool        db.TxBeginner
	orders      order.Repository
	repo        Repository
	admins      auth.AdminDirectory
	outbox      outbox.Writer
	dispatcher  *notify.Dispatcher
	logger      *zap.Logger
	metrics     *observability.EscrowMetrics
	tracer      trace.Tracer
	idGenerator func() string
	now         func() time.Time
}

func NewManager(opts Options) *Manager {
	return &Manager{
		pool:        opts.Pool,
		orders:      opts.Orders,
		repo:        opts.Escalations,
		admins:      opts.Admins,
		outbox:      opts.Outbox,
		dispatcher:  opts.Dispatcher,
		logger:      logging.OrNop(opts.Logger),
		metrics:     observability.Escrow(),
		tracer:      observability.Tracer("escalation"),
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.idGenerator = gen
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// EscalateParams describes a manual dispute raised by a party.
type EscalateParams struct {
	OrderID string
	ActorID string
	Reason  string
}

// Escalate opens a buyer_dispute or seller_dispute for the calling party.
func (m *Manager) Escalate(ctx context.Context, params EscalateParams) (rec Record, err error) {
	ctx, span := m.tracer.Start(ctx, "escalation.escalate",
		trace.WithAttributes(attribute.String("order.id", params.OrderID)))
	defer func() {
		m.metrics.ObserveOperation("escalate", outcome(err))
		observability.EndSpan(span, err)
	}()

	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Record{}, fmt.Errorf("%w: reason required", order.ErrInvalidInput)
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return Record{}, fmt.Errorf("%w: reason exceeds %d characters", order.ErrInvalidInput, MaxReasonLength)
	}
	if params.OrderID == "" {
		return Record{}, fmt.Errorf("%w: missing order id", order.ErrInvalidInput)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := m.orders.GetForUpdate(ctx, tx, params.OrderID)
	if err != nil {
		return Record{}, err
	}
	party, err := o.PartyOf(params.ActorID)
	if err != nil {
		return Record{}, err
	}
	if o.Terminal() {
		return Record{}, order.ErrAlreadyResolved
	}

	typ := TypeBuyerDispute
	if party == order.PartySeller {
		typ = TypeSellerDispute
	}
	actor := params.ActorID
	rec, updated, err := m.OpenTx(ctx, tx, o, OpenParams{Type: typ, EscalatedBy: &actor, Reason: reason})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escalation: commit tx: %w", err)
	}

	m.logger.Info("dispute opened",
		zap.String("order_id", updated.ID),
		zap.String("escalation_id", rec.ID),
		zap.String("actor_id", actor),
		zap.String("type", string(rec.Type)),
	)
	m.Announce(ctx, rec, updated)
	return rec, nil
}

// OpenParams describes an escalation created inside an existing transaction.
type OpenParams struct {
	Type        Type
	EscalatedBy *string
	Reason      string
}

// OpenTx inserts the escalation and moves the locked order o into dispute.
// The caller owns tx and must hold the order row lock. It fails with
// ErrEscalationOpen if the order already has an unresolved escalation and with
// order.ErrPreconditionFailed if the order is not awaiting confirmation.
func (m *Manager) OpenTx(ctx context.Context, tx pgx.Tx, o order.Order, params OpenParams) (Record, order.Order, error) {
	if !params.Type.Valid() {
		return Record{}, order.Order{}, fmt.Errorf("%w: escalation type %q", order.ErrInvalidInput, params.Type)
	}

	if _, err := m.repo.FindOpen(ctx, tx, o.ID); err == nil {
		return Record{}, order.Order{}, ErrEscalationOpen
	} else if !errors.Is(err, ErrEscalationNotFound) {
		return Record{}, order.Order{}, err
	}
	if !o.AwaitingConfirmation() {
		return Record{}, order.Order{}, fmt.Errorf("%w: order is %s with escrow %s",
			order.ErrPreconditionFailed, o.Status, o.EscrowStatus)
	}

	now := m.now().UTC()
	rec, err := m.repo.Insert(ctx, tx, Record{
		ID:          m.idGenerator(),
		OrderID:     o.ID,
		Type:        params.Type,
		EscalatedBy: params.EscalatedBy,
		Reason:      params.Reason,
		CreatedAt:   now,
	})
	if err != nil {
		return Record{}, order.Order{}, err
	}

	o.Status = order.StatusDisputed
	o.EscrowStatus = order.EscrowDisputed
	o.UpdatedAt = now
	if err := m.orders.Update(ctx, tx, o); err != nil {
		return Record{}, order.Order{}, err
	}

	if err := m.orders.AppendEvent(ctx, tx, order.Event{
		OrderID: o.ID,
		Type:    order.EventEscalated,
		ActorID: params.EscalatedBy,
		Payload: map[string]any{
			"escalation_id":   rec.ID,
			"escalation_type": string(rec.Type),
			"reason":          rec.Reason,
		},
	}); err != nil {
		return Record{}, order.Order{}, err
	}

	m.metrics.EscalationOpened(string(rec.Type))
	return rec, o, nil
}

// Announce notifies every admin and the affected parties about a committed
// escalation. Disputes notify the counterparty of the disputing party; scanner
// escalations notify both parties.
func (m *Manager) Announce(ctx context.Context, rec Record, o order.Order) {
	recipients := make([]string, 0, 4)
	if m.admins != nil {
		admins, err := m.admins.ListAdminIDs(ctx)
		if err != nil {
			m.logger.Warn("list admins for escalation notice failed",
				zap.String("escalation_id", rec.ID),
				zap.Error(err),
			)
		}
		recipients = append(recipients, admins...)
	}

	if rec.EscalatedBy != nil {
		if party, err := o.PartyOf(*rec.EscalatedBy); err == nil {
			recipients = append(recipients, o.PartyID(party.Counterparty()))
		}
	} else {
		recipients = append(recipients, o.Participants()...)
	}

	display := rec.Display()
	m.dispatcher.Send(ctx, recipients, notify.EventEscalationOpened, map[string]any{
		"order_id":        o.ID,
		"escalation_id":   rec.ID,
		"escalation_type": string(rec.Type),
		"reason":          rec.Reason,
		"label":           display.Label,
	})
}

// ResolveParams describes an admin arbitration decision.
type ResolveParams struct {
	EscalationID string
	AdminID      string
	Action       Action
	Notes        string
}

// Resolve settles an open escalation. Releasing completes the order and
// releases escrow; refunding returns funds to the buyer. The order mutation,
// the resolution columns and the ledger instruction commit together.
func (m *Manager) Resolve(ctx context.Context, params ResolveParams) (rec Record, err error) {
	ctx, span := m.tracer.Start(ctx, "escalation.resolve",
		trace.WithAttributes(
			attribute.String("escalation.id", params.EscalationID),
			attribute.String("escalation.action", string(params.Action)),
		))
	defer func() {
		m.metrics.ObserveOperation("resolve", outcome(err))
		observability.EndSpan(span, err)
	}()

	if !params.Action.Valid() {
		return Record{}, fmt.Errorf("%w: action %q", order.ErrInvalidInput, params.Action)
	}
	notes := strings.TrimSpace(params.Notes)
	if utf8.RuneCountInString(notes) > MaxNotesLength {
		return Record{}, fmt.Errorf("%w: notes exceed %d characters", order.ErrInvalidInput, MaxNotesLength)
	}
	if params.AdminID == "" {
		return Record{}, ErrNotAdmin
	}
	isAdmin, err := m.admins.IsAdmin(ctx, params.AdminID)
	if err != nil {
		return Record{}, fmt.Errorf("escalation: admin lookup: %w", err)
	}
	if !isAdmin {
		return Record{}, ErrNotAdmin
	}

	existing, err := m.repo.Get(ctx, params.EscalationID)
	if err != nil {
		return Record{}, err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// order row first, then escalation row, matching Escalate and the scanner
	o, err := m.orders.GetForUpdate(ctx, tx, existing.OrderID)
	if err != nil {
		return Record{}, err
	}
	current, err := m.repo.GetForUpdate(ctx, tx, params.EscalationID)
	if err != nil {
		return Record{}, err
	}
	if current.Resolved() || o.Terminal() {
		return Record{}, order.ErrAlreadyResolved
	}

	now := m.now().UTC()
	topic := outbox.TopicEscrowRelease
	switch params.Action {
	case ActionReleased:
		o.Confirm(order.PartyBuyer, now)
		o.Confirm(order.PartySeller, now)
		o.Status = order.StatusCompleted
		o.EscrowStatus = order.EscrowReleased
	case ActionRefunded:
		o.Status = order.StatusRefunded
		o.EscrowStatus = order.EscrowRefunded
		topic = outbox.TopicEscrowRefund
	}
	o.UpdatedAt = now
	if err := m.orders.Update(ctx, tx, o); err != nil {
		return Record{}, err
	}

	admin := params.AdminID
	action := params.Action
	current.ResolvedAt = &now
	current.ResolvedBy = &admin
	current.ResolutionAction = &action
	if notes != "" {
		current.ResolutionNotes = &notes
	}
	resolved, err := m.repo.MarkResolved(ctx, tx, current)
	if err != nil {
		return Record{}, err
	}

	if err := m.orders.AppendEvent(ctx, tx, order.Event{
		OrderID: o.ID,
		Type:    order.EventResolved,
		ActorID: &admin,
		Payload: map[string]any{
			"escalation_id":     resolved.ID,
			"resolution_action": string(action),
		},
	}); err != nil {
		return Record{}, err
	}

	if m.outbox != nil {
		if err := m.outbox.Enqueue(ctx, tx, topic, outbox.EscrowInstruction(o, "arbitration", resolved.ID)); err != nil {
			return Record{}, fmt.Errorf("escalation: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escalation: commit tx: %w", err)
	}

	m.logger.Info("escalation resolved",
		zap.String("order_id", o.ID),
		zap.String("escalation_id", resolved.ID),
		zap.String("actor_id", admin),
		zap.String("action", string(action)),
	)
	m.dispatcher.Send(ctx, o.Participants(), notify.EventEscalationResolved, map[string]any{
		"order_id":          o.ID,
		"escalation_id":     resolved.ID,
		"resolution_action": string(action),
		"badge":             resolved.Display().Badge,
	})
	return resolved, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := m.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrEscalationOpen):
		return "escalation_open"
	case errors.Is(err, ErrEscalationNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAdmin):
		return "not_admin"
	default:
		return observability.Outcome(err)
	}
}
