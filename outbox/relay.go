package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowflow/db"
	"escrowflow/logging"
	"escrowflow/observability"
)

// Publisher hands a message to the downstream ledger transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type RelayOptions struct {
	BatchSize   int
	MaxAttempts int
}

// Relay drains pending outbox rows to a Publisher. Delivery is at-least-once:
// a publish followed by a failed commit is retried, so consumers dedupe on Message.ID.
type Relay struct {
	pool        db.TxBeginner
	store       Store
	publisher   Publisher
	logger      *zap.Logger
	metrics     *observability.EscrowMetrics
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher, logger *zap.Logger, opts RelayOptions) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		logger:      logging.OrNop(logger),
		metrics:     observability.Escrow(),
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
	}
}

// WithClock overrides the time source.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	if now != nil {
		r.now = now
	}
	return r
}

// RunOnce relays one batch and returns how many messages were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := 0
	for _, m := range msgs {
		now := r.now().UTC()
		if pubErr := r.publisher.Publish(ctx, m); pubErr != nil {
			dead, err := r.store.MarkFailed(ctx, tx, m.ID, pubErr.Error(), now, r.maxAttempts)
			if err != nil {
				return published, err
			}
			outcome := "retry"
			if dead {
				outcome = "dead"
			}
			r.metrics.OutboxRelayed(m.Topic, outcome)
			r.logger.Warn("outbox publish failed",
				zap.String("message_id", m.ID),
				zap.String("topic", m.Topic),
				zap.Int("attempts", m.Attempts+1),
				zap.Bool("dead", dead),
				zap.Error(pubErr),
			)
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, m.ID, now); err != nil {
			return published, err
		}
		r.metrics.OutboxRelayed(m.Topic, "published")
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return published, nil
}

// Run relays on every tick until ctx is done. A full batch is followed
// immediately by another pass.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("outbox relay pass failed", zap.Error(err))
		}
		if err == nil && n >= r.batchSize {
			timer.Reset(0)
			continue
		}
		timer.Reset(interval)
	}
}
