package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the order store used by the engines. Mutating calls run inside
// the caller's transaction.
type Repository interface {
	Get(ctx context.Context, id string) (Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error)
	Update(ctx context.Context, tx pgx.Tx, o Order) error
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	// ListOverdue returns held orders past their confirmation deadline that
	// have no unresolved escalation, ordered by (deadline, id) and starting
	// strictly after the cursor.
	ListOverdue(ctx context.Context, now time.Time, after OverdueCursor, limit int) ([]Overdue, error)
}

// Overdue is one ListOverdue row.
type Overdue struct {
	ID       string
	Deadline time.Time
}

func (o Overdue) Cursor() OverdueCursor {
	return OverdueCursor{Deadline: o.Deadline, ID: o.ID}
}

// OverdueCursor is a keyset position in the overdue listing. The zero value
// starts at the oldest deadline.
type OverdueCursor struct {
	Deadline time.Time
	ID       string
}

func (c OverdueCursor) IsZero() bool {
	return c.ID == ""
}

// After reports whether o sorts strictly after the cursor.
func (c OverdueCursor) After(o Overdue) bool {
	if c.IsZero() {
		return true
	}
	if o.Deadline.Equal(c.Deadline) {
		return o.ID > c.ID
	}
	return o.Deadline.After(c.Deadline)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PGRepository)(nil)

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const orderColumns = `
	id::text, buyer_id::text, seller_id::text, price_cents, currency, status, escrow_status,
	buyer_confirmed_at, seller_confirmed_at, confirmation_deadline, shipped_at, delivered_at,
	delivery_option, shipping_requested_at, shipping_requested_by::text,
	buyer_approved_shipping, seller_approved_shipping,
	buyer_shipping_approved_at, seller_shipping_approved_at,
	created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.PriceCents, &o.Currency, &o.Status, &o.EscrowStatus,
		&o.BuyerConfirmedAt, &o.SellerConfirmedAt, &o.ConfirmationDeadline, &o.ShippedAt, &o.DeliveredAt,
		&o.DeliveryOption, &o.ShippingRequestedAt, &o.ShippingRequestedBy,
		&o.BuyerApprovedShipping, &o.SellerApprovedShipping,
		&o.BuyerShippingApprovedAt, &o.SellerShippingApprovedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// Get reads the committed order without locking.
func (r *PGRepository) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return Order{}, mapLookupErr("get", err)
	}
	return o, nil
}

// GetForUpdate loads the order and holds its row lock until tx ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Order{}, mapLookupErr("lock", err)
	}
	return o, nil
}

func mapLookupErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		// malformed uuid
		return ErrOrderNotFound
	}
	return fmt.Errorf("order: %s: %w", op, err)
}

// Update persists every mutable column of o.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, o Order) error {
	const updateSQL = `
UPDATE orders
SET status = $2,
    escrow_status = $3,
    buyer_confirmed_at = $4,
    seller_confirmed_at = $5,
    confirmation_deadline = $6,
    shipped_at = $7,
    delivered_at = $8,
    delivery_option = $9,
    shipping_requested_at = $10,
    shipping_requested_by = $11,
    buyer_approved_shipping = $12,
    seller_approved_shipping = $13,
    buyer_shipping_approved_at = $14,
    seller_shipping_approved_at = $15,
    updated_at = $16
WHERE id = $1;
`

	tag, err := tx.Exec(ctx, updateSQL,
		o.ID, string(o.Status), string(o.EscrowStatus),
		o.BuyerConfirmedAt, o.SellerConfirmedAt, o.ConfirmationDeadline, o.ShippedAt, o.DeliveredAt,
		string(o.DeliveryOption), o.ShippingRequestedAt, o.ShippingRequestedBy,
		o.BuyerApprovedShipping, o.SellerApprovedShipping,
		o.BuyerShippingApprovedAt, o.SellerShippingApprovedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("order: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// Create inserts a new order. Used by seeders and the fulfillment intake.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Order) (Order, error) {
	const insertSQL = `
INSERT INTO orders (buyer_id, seller_id, price_cents, currency, status, escrow_status, delivery_option,
                    confirmation_deadline, shipped_at, delivered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + orderColumns

	if o.Status == "" {
		o.Status = StatusPendingPayment
	}
	if o.EscrowStatus == "" {
		o.EscrowStatus = EscrowHeld
	}
	if o.DeliveryOption == "" {
		o.DeliveryOption = DeliveryVault
	}

	created, err := scanOrder(tx.QueryRow(ctx, insertSQL,
		o.BuyerID, o.SellerID, o.PriceCents, o.Currency, string(o.Status), string(o.EscrowStatus),
		string(o.DeliveryOption), o.ConfirmationDeadline, o.ShippedAt, o.DeliveredAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23514" || pgErr.Code == "23503") {
			return Order{}, fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.ConstraintName)
		}
		return Order{}, fmt.Errorf("order: create: %w", err)
	}
	return created, nil
}

// AppendEvent writes an audit row for the order.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("order: marshal event payload: %w", err)
	}

	var actorID any
	if ev.ActorID != nil {
		actorID = *ev.ActorID
	}

	const insertSQL = `
INSERT INTO order_events (order_id, type, actor_id, payload)
VALUES ($1, $2, $3, $4);
`

	if _, err := tx.Exec(ctx, insertSQL, ev.OrderID, string(ev.Type), actorID, payloadBytes); err != nil {
		return fmt.Errorf("order: insert event: %w", err)
	}
	return nil
}

func (r *PGRepository) ListOverdue(ctx context.Context, now time.Time, after OverdueCursor, limit int) ([]Overdue, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
SELECT o.id::text, o.confirmation_deadline
FROM orders o
WHERE o.escrow_status = 'held'
  AND o.status IN ('shipped', 'delivered')
  AND o.confirmation_deadline IS NOT NULL
  AND o.confirmation_deadline < $1
  AND ($2::timestamptz IS NULL OR (o.confirmation_deadline, o.id) > ($2::timestamptz, $3::uuid))
  AND NOT EXISTS (
      SELECT 1 FROM escalations e
      WHERE e.order_id = o.id AND e.resolved_at IS NULL
  )
ORDER BY o.confirmation_deadline ASC, o.id ASC
LIMIT $4;
`

	var (
		afterDeadline *time.Time
		afterID       *string
	)
	if !after.IsZero() {
		afterDeadline, afterID = &after.Deadline, &after.ID
	}

	rows, err := r.pool.Query(ctx, query, now, afterDeadline, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("order: list overdue: %w", err)
	}
	defer rows.Close()

	out := make([]Overdue, 0, limit)
	for rows.Next() {
		var o Overdue
		if err := rows.Scan(&o.ID, &o.Deadline); err != nil {
			return nil, fmt.Errorf("order: scan overdue: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate overdue: %w", err)
	}
	return out, nil
}

// Events returns the audit trail of an order, oldest first.
func (r *PGRepository) Events(ctx context.Context, orderID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
SELECT order_id::text, type, actor_id::text, payload, created_at
FROM order_events
WHERE order_id = $1
ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.OrderID, &ev.Type, &ev.ActorID, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("order: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("order: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate events: %w", err)
	}
	return out, nil
}
