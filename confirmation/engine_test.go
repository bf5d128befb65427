package confirmation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escrowflow/auth"
	"escrowflow/escalation"
	"escrowflow/notify"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/test/memstore"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func deliveredOrder(id string) order.Order {
	delivered := fixedNow.Add(-48 * time.Hour)
	deadline := delivered.Add(order.DefaultConfirmationGrace)
	return order.Order{
		ID:                   id,
		BuyerID:              "buyer",
		SellerID:             "seller",
		PriceCents:           12500,
		Currency:             "USD",
		Status:               order.StatusDelivered,
		EscrowStatus:         order.EscrowHeld,
		DeliveryOption:       order.DeliveryVault,
		DeliveredAt:          &delivered,
		ConfirmationDeadline: &deadline,
		CreatedAt:            delivered.Add(-72 * time.Hour),
		UpdatedAt:            delivered,
	}
}

func newTestEngine(t *testing.T, seed ...order.Order) (*Engine, *memstore.Store, *notify.Recorder) {
	t.Helper()
	store := memstore.New()
	for _, o := range seed {
		store.PutOrder(o)
	}
	rec := &notify.Recorder{}
	engine := NewEngine(store, store.Orders(), store.Outbox(), notify.NewDispatcher(rec, nil, time.Second)).
		WithClock(func() time.Time { return fixedNow })
	return engine, store, rec
}

func TestConfirm_BothPartiesReleaseEscrow(t *testing.T) {
	engine, store, rec := newTestEngine(t, deliveredOrder("o-1"))
	ctx := context.Background()

	first, err := engine.Confirm(ctx, "o-1", "buyer")
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if !first.Changed || first.Completed {
		t.Fatalf("unexpected first outcome: %+v", first)
	}
	if got := rec.To("seller"); len(got) != 1 || got[0] != notify.EventAwaitingConfirmation {
		t.Fatalf("seller should be told the buyer is waiting, got %v", got)
	}
	if got := rec.To("buyer"); len(got) != 0 {
		t.Fatalf("buyer should not be notified of own confirmation, got %v", got)
	}

	second, err := engine.Confirm(ctx, "o-1", "seller")
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if !second.Completed {
		t.Fatalf("expected completion, got %+v", second)
	}

	o, _ := store.Order("o-1")
	if o.Status != order.StatusCompleted || o.EscrowStatus != order.EscrowReleased {
		t.Fatalf("expected completed/released, got %s/%s", o.Status, o.EscrowStatus)
	}
	if o.BuyerConfirmedAt == nil || o.SellerConfirmedAt == nil {
		t.Fatalf("both confirmation timestamps must be set")
	}

	for _, party := range []string{"buyer", "seller"} {
		events := rec.To(party)
		if events[len(events)-1] != notify.EventOrderCompleted {
			t.Fatalf("%s should receive the completion notice, got %v", party, events)
		}
	}

	rows := store.OutboxRows()
	if len(rows) != 1 || rows[0].Topic != outbox.TopicEscrowRelease {
		t.Fatalf("expected a single escrow.release message, got %+v", rows)
	}

	var types []order.EventType
	for _, ev := range store.Events("o-1") {
		types = append(types, ev.Type)
	}
	want := []order.EventType{order.EventConfirmed, order.EventConfirmed, order.EventCompleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestConfirm_RepeatIsNoop(t *testing.T) {
	engine, store, rec := newTestEngine(t, deliveredOrder("o-1"))
	ctx := context.Background()

	if _, err := engine.Confirm(ctx, "o-1", "buyer"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	before, _ := store.Order("o-1")

	engine.WithClock(func() time.Time { return fixedNow.Add(time.Hour) })
	out, err := engine.Confirm(ctx, "o-1", "buyer")
	if err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if out.Changed {
		t.Fatalf("repeat confirm must not change state")
	}

	after, _ := store.Order("o-1")
	if !after.BuyerConfirmedAt.Equal(*before.BuyerConfirmedAt) {
		t.Fatalf("timestamp moved from %v to %v", before.BuyerConfirmedAt, after.BuyerConfirmedAt)
	}
	if len(rec.Sent()) != 1 {
		t.Fatalf("repeat confirm must not notify again, sent %d", len(rec.Sent()))
	}
	if len(store.Events("o-1")) != 1 {
		t.Fatalf("repeat confirm must not append events")
	}
}

func TestConfirm_Rejections(t *testing.T) {
	paid := deliveredOrder("paid")
	paid.Status = order.StatusPaid
	paid.DeliveredAt = nil
	paid.ConfirmationDeadline = nil

	disputed := deliveredOrder("disputed")
	disputed.Status = order.StatusDisputed
	disputed.EscrowStatus = order.EscrowDisputed

	engine, store, rec := newTestEngine(t, deliveredOrder("o-1"), paid, disputed)
	ctx := context.Background()

	cases := []struct {
		name    string
		orderID string
		actor   string
		want    error
	}{
		{name: "stranger", orderID: "o-1", actor: "mallory", want: order.ErrNotAParty},
		{name: "missing order", orderID: "nope", actor: "buyer", want: order.ErrOrderNotFound},
		{name: "not delivered", orderID: "paid", actor: "buyer", want: order.ErrPreconditionFailed},
		{name: "under dispute", orderID: "disputed", actor: "seller", want: order.ErrPreconditionFailed},
		{name: "empty id", orderID: "", actor: "buyer", want: order.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.Confirm(ctx, tc.orderID, tc.actor); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	o, _ := store.Order("o-1")
	if o.BuyerConfirmedAt != nil || o.SellerConfirmedAt != nil {
		t.Fatalf("rejected calls must not write")
	}
	if len(rec.Sent()) != 0 {
		t.Fatalf("rejected calls must not notify")
	}
}

func TestConfirm_SettledOrderIsNoop(t *testing.T) {
	refunded := deliveredOrder("o-1")
	refunded.Status = order.StatusRefunded
	refunded.EscrowStatus = order.EscrowRefunded

	engine, store, rec := newTestEngine(t, refunded)

	out, err := engine.Confirm(context.Background(), "o-1", "buyer")
	if err != nil {
		t.Fatalf("confirm on refunded order: %v", err)
	}
	if !out.AlreadyResolved || out.Changed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Order.Status != order.StatusRefunded {
		t.Fatalf("expected current state returned, got %s", out.Order.Status)
	}
	o, _ := store.Order("o-1")
	if o.BuyerConfirmedAt != nil {
		t.Fatalf("settled order must not be touched")
	}
	if len(rec.Sent()) != 0 {
		t.Fatalf("settled order must not notify")
	}
}

func TestConfirm_ConcurrentPartiesCompleteOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		engine, store, rec := newTestEngine(t, deliveredOrder("o-1"))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			outcomes []Outcome
		)
		for _, actor := range []string{"buyer", "seller"} {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				out, err := engine.Confirm(context.Background(), "o-1", actor)
				if err != nil {
					t.Errorf("confirm %s: %v", actor, err)
					return
				}
				mu.Lock()
				outcomes = append(outcomes, out)
				mu.Unlock()
			}(actor)
		}
		wg.Wait()

		completions := 0
		for _, out := range outcomes {
			if out.Completed {
				completions++
			}
		}
		if completions != 1 {
			t.Fatalf("iteration %d: expected exactly one completing call, got %d", i, completions)
		}
		if rows := store.OutboxRows(); len(rows) != 1 {
			t.Fatalf("iteration %d: expected one release instruction, got %d", i, len(rows))
		}
		o, _ := store.Order("o-1")
		if o.Status != order.StatusCompleted {
			t.Fatalf("iteration %d: status %s", i, o.Status)
		}
		if got := len(rec.To("buyer")) + len(rec.To("seller")); got != 3 {
			t.Fatalf("iteration %d: expected 3 notifications (1 waiting + 2 completed), got %d", i, got)
		}
	}
}

func TestConfirm_CommitFailureLeavesNoTrace(t *testing.T) {
	o := deliveredOrder("o-1")
	now := fixedNow.Add(-time.Hour)
	o.SellerConfirmedAt = &now

	engine, store, rec := newTestEngine(t, o)
	store.FailNextCommit(errors.New("connection reset"))

	if _, err := engine.Confirm(context.Background(), "o-1", "buyer"); err == nil {
		t.Fatal("expected commit failure")
	}

	got, _ := store.Order("o-1")
	if got.BuyerConfirmedAt != nil || got.Status != order.StatusDelivered || got.EscrowStatus != order.EscrowHeld {
		t.Fatalf("partial write after failed commit: %+v", got)
	}
	if len(store.OutboxRows()) != 0 || len(store.Events("o-1")) != 0 {
		t.Fatalf("outbox/events written despite failed commit")
	}
	if len(rec.Sent()) != 0 {
		t.Fatalf("notifications sent despite failed commit")
	}

	if _, err := engine.Confirm(context.Background(), "o-1", "buyer"); err != nil {
		t.Fatalf("retry after failed commit: %v", err)
	}
}

func TestConfirm_NotificationFailureDoesNotFail(t *testing.T) {
	store := memstore.New()
	store.PutOrder(deliveredOrder("o-1"))
	rec := &notify.Recorder{Fail: func(string, notify.EventType) error { return errors.New("smtp down") }}
	engine := NewEngine(store, store.Orders(), store.Outbox(), notify.NewDispatcher(rec, nil, time.Second))

	out, err := engine.Confirm(context.Background(), "o-1", "seller")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !out.Changed {
		t.Fatalf("expected state change")
	}
	o, _ := store.Order("o-1")
	if o.SellerConfirmedAt == nil {
		t.Fatalf("confirmation must persist despite notification failure")
	}
}

func TestConfirm_CancelledContext(t *testing.T) {
	engine, store, _ := newTestEngine(t, deliveredOrder("o-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Confirm(ctx, "o-1", "buyer"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	o, _ := store.Order("o-1")
	if o.BuyerConfirmedAt != nil {
		t.Fatalf("cancelled call must not write")
	}
}

func TestConfirm_RetryAfterEscalationIsNoop(t *testing.T) {
	engine, store, rec := newTestEngine(t, deliveredOrder("o-1"))
	ctx := context.Background()

	if _, err := engine.Confirm(ctx, "o-1", "buyer"); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}

	manager := escalation.NewManager(escalation.Options{
		Pool:        store,
		Orders:      store.Orders(),
		Escalations: store.Escalations(),
		Admins:      auth.NewStaticDirectory("admin-1"),
		Dispatcher:  notify.NewDispatcher(rec, nil, time.Second),
	})
	if _, err := manager.Escalate(ctx, escalation.EscalateParams{OrderID: "o-1", ActorID: "seller", Reason: "never paid out"}); err != nil {
		t.Fatalf("seller dispute: %v", err)
	}
	before, _ := store.Order("o-1")
	events := len(store.Events("o-1"))
	sent := len(rec.Sent())

	out, err := engine.Confirm(ctx, "o-1", "buyer")
	if err != nil {
		t.Fatalf("retried confirm on disputed order: %v", err)
	}
	if out.Changed || out.Completed {
		t.Fatalf("retry must not change state: %+v", out)
	}

	after, _ := store.Order("o-1")
	if after.Status != order.StatusDisputed || after.EscrowStatus != order.EscrowDisputed {
		t.Fatalf("order left dispute: %s/%s", after.Status, after.EscrowStatus)
	}
	if !after.BuyerConfirmedAt.Equal(*before.BuyerConfirmedAt) {
		t.Fatalf("confirmation timestamp moved")
	}
	if len(store.Events("o-1")) != events || len(rec.Sent()) != sent {
		t.Fatalf("retry must not append events or notify")
	}

	if _, err := engine.Confirm(ctx, "o-1", "seller"); !errors.Is(err, order.ErrPreconditionFailed) {
		t.Fatalf("first seller confirm on disputed order: expected precondition failure, got %v", err)
	}
}
