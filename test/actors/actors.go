package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/atomic"

	"escrowflow/confirmation"
	"escrowflow/escalation"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/scanner"
	"escrowflow/shipping"
)

// Stats counts what the actors achieved so a run can assert it did real work.
type Stats struct {
	Confirms    atomic.Int64
	Completions atomic.Int64
	Disputes    atomic.Int64
	Resolutions atomic.Int64
	Escalated   atomic.Int64
	Switches    atomic.Int64
	Published   atomic.Int64
	Rejected    atomic.Int64
	Transient   atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("confirms=%d completions=%d disputes=%d resolutions=%d escalated=%d switches=%d published=%d rejected=%d transient=%d",
		s.Confirms.Load(), s.Completions.Load(), s.Disputes.Load(), s.Resolutions.Load(),
		s.Escalated.Load(), s.Switches.Load(), s.Published.Load(), s.Rejected.Load(), s.Transient.Load())
}

// Party is one side of a seeded order.
type Party struct {
	OrderID string
	ActorID string
}

// domain rejections are expected under contention; anything else is a
// transient failure (killed backend, lock timeout) that the loop rides out.
func (s *Stats) record(err error) {
	switch {
	case err == nil:
	case errors.Is(err, order.ErrPreconditionFailed),
		errors.Is(err, order.ErrAlreadyResolved),
		errors.Is(err, escalation.ErrEscalationOpen):
		s.Rejected.Inc()
	default:
		s.Transient.Inc()
	}
}

func loop(ctx context.Context, stop <-chan struct{}, seed int64, minSleep, jitter time.Duration, step func(r *rand.Rand)) error {
	r := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step(r)
		time.Sleep(minSleep + time.Duration(r.Int63n(int64(jitter))))
	}
}

// Confirmer confirms random orders on behalf of random parties.
func Confirmer(ctx context.Context, engine *confirmation.Engine, parties []Party, stats *Stats, seed int64, stop <-chan struct{}) error {
	return loop(ctx, stop, seed, 5*time.Millisecond, 20*time.Millisecond, func(r *rand.Rand) {
		p := parties[r.Intn(len(parties))]
		out, err := engine.Confirm(ctx, p.OrderID, p.ActorID)
		stats.record(err)
		if out.Changed {
			stats.Confirms.Inc()
		}
		if out.Completed {
			stats.Completions.Inc()
		}
	})
}

// Disputer opens manual disputes on random orders.
func Disputer(ctx context.Context, manager *escalation.Manager, parties []Party, stats *Stats, seed int64, stop <-chan struct{}) error {
	return loop(ctx, stop, seed, 20*time.Millisecond, 40*time.Millisecond, func(r *rand.Rand) {
		p := parties[r.Intn(len(parties))]
		_, err := manager.Escalate(ctx, escalation.EscalateParams{
			OrderID: p.OrderID,
			ActorID: p.ActorID,
			Reason:  "item not as described",
		})
		stats.record(err)
		if err == nil {
			stats.Disputes.Inc()
		}
	})
}

// Sweeper runs deadline sweeps back to back, racing the other actors.
func Sweeper(ctx context.Context, s *scanner.Scanner, stats *Stats, seed int64, stop <-chan struct{}) error {
	return loop(ctx, stop, seed, 50*time.Millisecond, 100*time.Millisecond, func(*rand.Rand) {
		report, err := s.SweepOverdue(ctx)
		stats.record(err)
		stats.Escalated.Add(int64(report.Escalated))
	})
}

// Arbiter resolves open escalations with a random action.
func Arbiter(ctx context.Context, manager *escalation.Manager, adminID string, stats *Stats, seed int64, stop <-chan struct{}) error {
	actions := []escalation.Action{escalation.ActionReleased, escalation.ActionRefunded}
	return loop(ctx, stop, seed, 30*time.Millisecond, 60*time.Millisecond, func(r *rand.Rand) {
		open, err := manager.List(ctx, escalation.Filters{State: escalation.StateOpen, PageSize: 20})
		if err != nil {
			stats.record(err)
			return
		}
		if len(open.Items) == 0 {
			return
		}
		rec := open.Items[r.Intn(len(open.Items))]
		_, err = manager.Resolve(ctx, escalation.ResolveParams{
			EscalationID: rec.ID,
			AdminID:      adminID,
			Action:       actions[r.Intn(len(actions))],
			Notes:        "stress arbitration",
		})
		stats.record(err)
		if err == nil {
			stats.Resolutions.Inc()
		}
	})
}

// Shipper requests and approves physical shipping on random orders.
func Shipper(ctx context.Context, engine *shipping.Engine, parties []Party, stats *Stats, seed int64, stop <-chan struct{}) error {
	return loop(ctx, stop, seed, 10*time.Millisecond, 30*time.Millisecond, func(r *rand.Rand) {
		p := parties[r.Intn(len(parties))]
		var (
			out shipping.Outcome
			err error
		)
		if r.Intn(2) == 0 {
			out, err = engine.RequestShipping(ctx, p.OrderID, p.ActorID)
		} else {
			out, err = engine.ApproveShipping(ctx, p.OrderID, p.ActorID)
		}
		stats.record(err)
		if out.Switched {
			stats.Switches.Inc()
		}
	})
}

// FlakyPublisher fails every FailEvery-th publish.
type FlakyPublisher struct {
	FailEvery int
	Stats     *Stats
	calls     atomic.Int64
}

func (p *FlakyPublisher) Publish(_ context.Context, _ outbox.Message) error {
	n := p.calls.Inc()
	if p.FailEvery > 0 && n%int64(p.FailEvery) == 0 {
		return errors.New("ledger unavailable")
	}
	p.Stats.Published.Inc()
	return nil
}

// Relay drains the outbox concurrently with the writers.
func Relay(ctx context.Context, relay *outbox.Relay, stats *Stats, seed int64, stop <-chan struct{}) error {
	return loop(ctx, stop, seed, 40*time.Millisecond, 60*time.Millisecond, func(*rand.Rand) {
		_, err := relay.RunOnce(ctx)
		stats.record(err)
	})
}
