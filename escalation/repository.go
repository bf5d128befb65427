package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/order"
)

// Repository persists escalations. Mutating calls run inside the caller's transaction.
type Repository interface {
	// Insert fails with ErrEscalationOpen when the order already has an unresolved row.
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	// FindOpen returns the unresolved escalation of an order or ErrEscalationNotFound.
	FindOpen(ctx context.Context, tx pgx.Tx, orderID string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	// MarkResolved writes the resolution columns once; a second call fails with order.ErrAlreadyResolved.
	MarkResolved(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filters Filters) ([]Record, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PGRepository)(nil)

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const escalationColumns = `id::text, order_id::text, escalation_type, escalated_by::text, reason, created_at,
	resolved_at, resolved_by::text, resolution_action, resolution_notes`

// openIndex is the unique partial index guaranteeing one unresolved escalation per order.
const openIndex = "escalations_one_open_per_order"

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		action *string
	)
	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.Type, &rec.EscalatedBy, &rec.Reason, &rec.CreatedAt,
		&rec.ResolvedAt, &rec.ResolvedBy, &action, &rec.ResolutionNotes,
	)
	if err != nil {
		return Record{}, err
	}
	if action != nil {
		a := Action(*action)
		rec.ResolutionAction = &a
	}
	return rec, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if !rec.Type.Valid() {
		return Record{}, fmt.Errorf("%w: escalation type %q", order.ErrInvalidInput, rec.Type)
	}

	const insertSQL = `
INSERT INTO escalations (id, order_id, escalation_type, escalated_by, reason, created_at)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
RETURNING ` + escalationColumns

	created, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.OrderID, string(rec.Type), rec.EscalatedBy, rec.Reason, rec.CreatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openIndex {
			return Record{}, ErrEscalationOpen
		}
		return Record{}, fmt.Errorf("escalation: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) FindOpen(ctx context.Context, tx pgx.Tx, orderID string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE order_id = $1 AND resolved_at IS NULL`, orderID))
	if err != nil {
		return Record{}, mapLookupErr("find open", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Record{}, mapLookupErr("lock", err)
	}
	return rec, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id))
	if err != nil {
		return Record{}, mapLookupErr("get", err)
	}
	return rec, nil
}

func mapLookupErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEscalationNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrEscalationNotFound
	}
	return fmt.Errorf("escalation: %s: %w", op, err)
}

func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if rec.ResolvedAt == nil || rec.ResolvedBy == nil || rec.ResolutionAction == nil {
		return Record{}, fmt.Errorf("%w: incomplete resolution", order.ErrInvalidInput)
	}

	const updateSQL = `
UPDATE escalations
SET resolved_at = $2,
    resolved_by = $3,
    resolution_action = $4,
    resolution_notes = $5
WHERE id = $1 AND resolved_at IS NULL
RETURNING ` + escalationColumns

	updated, err := scanRecord(tx.QueryRow(ctx, updateSQL,
		rec.ID, *rec.ResolvedAt, *rec.ResolvedBy, string(*rec.ResolutionAction), rec.ResolutionNotes,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("escalation: resolve: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escalations WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
		return Record{}, fmt.Errorf("escalation: resolve fetch: %w", err)
	}
	if !exists {
		return Record{}, ErrEscalationNotFound
	}
	return Record{}, order.ErrAlreadyResolved
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	filters = filters.Normalize()

	where := []string{"1=1"}
	args := []any{}

	if filters.OrderID != "" {
		if _, err := uuid.Parse(filters.OrderID); err != nil {
			return []Record{}, 0, nil
		}
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)+1))
		args = append(args, filters.OrderID)
	}
	switch filters.State {
	case StateOpen:
		where = append(where, "resolved_at IS NULL")
	case StateResolved:
		where = append(where, "resolved_at IS NOT NULL")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM escalations%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		escalationColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("escalation: query list: %w", err)
	}
	defer rows.Close()

	list := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escalation: scan: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escalation: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM escalations"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escalation: count: %w", err)
	}
	return list, total, nil
}
