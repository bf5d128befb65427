package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/order"
)

// Ledger instructions emitted when escrow funds move.
const (
	TopicEscrowRelease = "escrow.release"
	TopicEscrowRefund  = "escrow.refund"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

var ErrMessageNotFound = errors.New("outbox: message not found")

// Writer enqueues a message inside the caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Message is a claimed outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Store claims and settles outbox rows.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	// MarkFailed bumps attempts and reports whether the message is now dead.
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause string, at time.Time, maxAttempts int) (bool, error)
}

// PGStore implements Writer and Store on the outbox table.
type PGStore struct {
	idGenerator func() string
}

var (
	_ Writer = (*PGStore)(nil)
	_ Store  = (*PGStore)(nil)
)

func NewPGStore() *PGStore {
	return &PGStore{idGenerator: uuid.NewString}
}

func (s *PGStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3);
`

	if _, err := tx.Exec(ctx, insertSQL, s.idGenerator(), topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}

// Claim locks up to limit pending messages. Rows locked by another relay are skipped.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
SELECT id::text, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED;
`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
UPDATE outbox
SET status = 'processed', processed_at = $2, last_attempt = $2, attempts = attempts + 1
WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause string, at time.Time, maxAttempts int) (bool, error) {
	const updateSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    last_attempt = $3,
    status = CASE WHEN attempts + 1 >= $4 THEN 'dead' ELSE 'pending' END
WHERE id = $1
RETURNING status;
`

	var status string
	if err := tx.QueryRow(ctx, updateSQL, id, cause, at, maxAttempts).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMessageNotFound
		}
		return false, fmt.Errorf("outbox: mark failed: %w", err)
	}
	return status == StatusDead, nil
}

// EscrowInstruction builds the ledger payload for a fund movement on o.
func EscrowInstruction(o order.Order, source string, escalationID string) map[string]any {
	payload := map[string]any{
		"order_id":    o.ID,
		"buyer_id":    o.BuyerID,
		"seller_id":   o.SellerID,
		"amount":      o.PriceCents,
		"currency":    o.Currency,
		"escrow":      string(o.EscrowStatus),
		"source":      source,
		"occurred_at": o.UpdatedAt.UTC(),
	}
	if escalationID != "" {
		payload["escalation_id"] = escalationID
	}
	return payload
}
