package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/db"
	"escrowflow/escalation"
	"escrowflow/logging"
	"escrowflow/observability"
	"escrowflow/order"
)

const (
	DefaultBatchSize = 500
	DefaultWorkers   = 8
)

// Options configures a Scanner. Zero sizes fall back to the defaults.
type Options struct {
	Pool      db.TxBeginner
	Orders    order.Repository
	Manager   *escalation.Manager
	Logger    *zap.Logger
	BatchSize int
	Workers   int
}

// Report summarises one sweep.
type Report struct {
	Candidates int
	Escalated  int
	// Skipped counts candidates that no longer qualified under the row lock.
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Scanner escalates orders whose confirmation deadline passed without both
// parties confirming.
type Scanner struct {
	pool      db.TxBeginner
	orders    order.Repository
	manager   *escalation.Manager
	logger    *zap.Logger
	metrics   *observability.EscrowMetrics
	tracer    trace.Tracer
	batchSize int
	workers   int
	now       func() time.Time
	running   *atomic.Bool

	cursorMu sync.Mutex
	// next sweep resumes after cursor
	cursor order.OverdueCursor
}

func New(opts Options) *Scanner {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scanner{
		pool:      opts.Pool,
		orders:    opts.Orders,
		manager:   opts.Manager,
		logger:    logging.OrNop(opts.Logger),
		metrics:   observability.Escrow(),
		tracer:    observability.Tracer("scanner"),
		batchSize: batch,
		workers:   workers,
		now:       time.Now,
		running:   atomic.NewBool(false),
	}
}

func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Classify picks the escalation type for an order past its deadline. ok is
// false when the order does not qualify.
func Classify(o order.Order, now time.Time) (typ escalation.Type, ok bool) {
	if !o.AwaitingConfirmation() || o.ConfirmationDeadline == nil || !o.ConfirmationDeadline.Before(now) {
		return "", false
	}
	buyer := o.BuyerConfirmedAt != nil
	seller := o.SellerConfirmedAt != nil
	switch {
	case !buyer && !seller:
		return escalation.TypeTimeout, true
	case buyer && !seller:
		return escalation.TypeSellerNoConfirm, true
	case seller && !buyer:
		return escalation.TypeBuyerNoConfirm, true
	default:
		return "", false
	}
}

func reasonFor(typ escalation.Type, deadline time.Time) string {
	switch typ {
	case escalation.TypeBuyerNoConfirm:
		return fmt.Sprintf("buyer did not confirm before %s", deadline.UTC().Format(time.RFC3339))
	case escalation.TypeSellerNoConfirm:
		return fmt.Sprintf("seller did not confirm before %s", deadline.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("no confirmation before %s", deadline.UTC().Format(time.RFC3339))
	}
}

// SweepOverdue escalates one batch of overdue orders, resuming after the
// batch of the previous sweep. Each order runs in its
// own transaction; a failing order is logged and counted without aborting
// the rest. The returned error is non-nil only when candidates could not be
// listed or ctx ended.
func (s *Scanner) SweepOverdue(ctx context.Context) (report Report, err error) {
	ctx, span := s.tracer.Start(ctx, "scanner.sweep")
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.ObserveSweep(report.Duration, report.Escalated, report.Skipped, report.Failed)
		span.SetAttributes(
			attribute.Int("sweep.candidates", report.Candidates),
			attribute.Int("sweep.escalated", report.Escalated),
			attribute.Int("sweep.failed", report.Failed),
		)
		observability.EndSpan(span, err)
	}()

	now := s.now().UTC()
	ids, err := s.nextBatch(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("scanner: list overdue: %w", err)
	}
	report.Candidates = len(ids)

	var escalated, skipped, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			done, err := s.escalateOne(ctx, id, now)
			switch {
			case err != nil:
				failed.Inc()
				s.logger.Error("escalate overdue order failed",
					zap.String("order_id", id),
					zap.Error(err),
				)
			case done:
				escalated.Inc()
			default:
				skipped.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Escalated = int(escalated.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())

	if report.Candidates > 0 {
		s.logger.Info("deadline sweep finished",
			zap.Int("candidates", report.Candidates),
			zap.Int("escalated", report.Escalated),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, ctx.Err()
}

// nextBatch lists the candidates after the saved cursor and advances it. A
// short page means the end of the listing was reached and the next sweep
// starts over from the oldest deadline.
func (s *Scanner) nextBatch(ctx context.Context, now time.Time) ([]string, error) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()

	rows, err := s.orders.ListOverdue(ctx, now, s.cursor, s.batchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 && !s.cursor.IsZero() {
		s.cursor = order.OverdueCursor{}
		if rows, err = s.orders.ListOverdue(ctx, now, s.cursor, s.batchSize); err != nil {
			return nil, err
		}
	}

	if len(rows) < s.batchSize {
		s.cursor = order.OverdueCursor{}
	} else {
		s.cursor = rows[len(rows)-1].Cursor()
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (s *Scanner) escalateOne(ctx context.Context, orderID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	typ, ok := Classify(o, now)
	if !ok {
		return false, nil
	}

	rec, updated, err := s.manager.OpenTx(ctx, tx, o, escalation.OpenParams{
		Type:   typ,
		Reason: reasonFor(typ, *o.ConfirmationDeadline),
	})
	if errors.Is(err, escalation.ErrEscalationOpen) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Info("order escalated by deadline",
		zap.String("order_id", updated.ID),
		zap.String("escalation_id", rec.ID),
		zap.String("type", string(rec.Type)),
	)
	s.manager.Announce(ctx, rec, updated)
	return true, nil
}

// Run sweeps every interval until ctx ends. Sweeps run on the calling
// goroutine, so ticks that fire during a sweep are dropped by the ticker and
// Run returns only after the in-flight sweep finished.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.TrySweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.TrySweep(ctx)
		}
	}
}

// TrySweep runs SweepOverdue unless a sweep is already in flight. It reports
// whether a sweep ran.
func (s *Scanner) TrySweep(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous sweep still running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	if _, err := s.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("deadline sweep failed", zap.Error(err))
	}
	return true
}
