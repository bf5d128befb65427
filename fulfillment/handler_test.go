package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	stan "github.com/nats-io/stan.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/order"
	"escrowflow/test/memstore"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func paidOrder(id string) order.Order {
	return order.Order{
		ID:             id,
		BuyerID:        "buyer",
		SellerID:       "seller",
		PriceCents:     700,
		Currency:       "USD",
		Status:         order.StatusPaid,
		EscrowStatus:   order.EscrowHeld,
		DeliveryOption: order.DeliveryShip,
		CreatedAt:      fixedNow.Add(-72 * time.Hour),
		UpdatedAt:      fixedNow.Add(-72 * time.Hour),
	}
}

func newTestHandler(t *testing.T, seed ...order.Order) (*Handler, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	for _, o := range seed {
		store.PutOrder(o)
	}
	h := NewHandler(store, store.Orders(), 0).WithClock(func() time.Time { return fixedNow })
	return h, store
}

func TestShippedThenDelivered(t *testing.T) {
	h, store := newTestHandler(t, paidOrder("o-1"))
	ctx := context.Background()
	shippedAt := fixedNow.Add(-48 * time.Hour)

	changed, err := h.OrderShipped(ctx, "o-1", shippedAt)
	require.NoError(t, err)
	assert.True(t, changed)

	o, _ := store.Order("o-1")
	assert.Equal(t, order.StatusShipped, o.Status)
	require.NotNil(t, o.ShippedAt)
	assert.True(t, o.ShippedAt.Equal(shippedAt))

	changed, err = h.OrderDelivered(ctx, "o-1", time.Time{})
	require.NoError(t, err)
	assert.True(t, changed)

	o, _ = store.Order("o-1")
	assert.Equal(t, order.StatusDelivered, o.Status)
	require.NotNil(t, o.DeliveredAt)
	assert.True(t, o.DeliveredAt.Equal(fixedNow), "zero signal time falls back to the clock")
	require.NotNil(t, o.ConfirmationDeadline)
	assert.True(t, o.ConfirmationDeadline.Equal(fixedNow.Add(order.DefaultConfirmationGrace)))
	assert.True(t, o.AwaitingConfirmation())

	var types []order.EventType
	for _, ev := range store.Events("o-1") {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []order.EventType{order.EventShipped, order.EventDelivered}, types)
}

func TestRedeliveryIsNoop(t *testing.T) {
	h, store := newTestHandler(t, paidOrder("o-1"))
	ctx := context.Background()

	_, err := h.OrderDelivered(ctx, "o-1", fixedNow)
	require.NoError(t, err)
	before, _ := store.Order("o-1")

	changed, err := h.OrderDelivered(ctx, "o-1", fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = h.OrderShipped(ctx, "o-1", fixedNow)
	require.NoError(t, err)
	assert.False(t, changed, "a late shipped signal must not move a delivered order back")

	after, _ := store.Order("o-1")
	assert.Equal(t, before, after)
	assert.Len(t, store.Events("o-1"), 1)
}

func TestDeliveredKeepsExistingDeadline(t *testing.T) {
	o := paidOrder("o-1")
	deadline := fixedNow.Add(3 * 24 * time.Hour)
	o.ConfirmationDeadline = &deadline
	h, store := newTestHandler(t, o)

	_, err := h.OrderDelivered(context.Background(), "o-1", fixedNow)
	require.NoError(t, err)

	got, _ := store.Order("o-1")
	assert.True(t, got.ConfirmationDeadline.Equal(deadline))
}

func TestHandle(t *testing.T) {
	completed := paidOrder("done")
	completed.Status = order.StatusCompleted
	completed.EscrowStatus = order.EscrowReleased

	h, store := newTestHandler(t, paidOrder("o-1"), completed)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`{"type":"order.shipped","order_id":"o-1","occurred_at":"2024-05-30T08:00:00Z"}`)))
	o, _ := store.Order("o-1")
	assert.Equal(t, order.StatusShipped, o.Status)

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"type":`, ErrMalformedSignal},
		{"missing order", `{"type":"order.shipped"}`, ErrMalformedSignal},
		{"unknown type", `{"type":"order.lost","order_id":"o-1"}`, ErrMalformedSignal},
		{"unknown order", `{"type":"order.delivered","order_id":"nope"}`, order.ErrOrderNotFound},
		{"terminal order", `{"type":"order.delivered","order_id":"done"}`, order.ErrPreconditionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Handle(ctx, []byte(tc.raw))
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, Permanent(err))
		})
	}
}

func TestCommitFailureIsRetryable(t *testing.T) {
	h, store := newTestHandler(t, paidOrder("o-1"))
	store.FailNextCommit(errors.New("connection reset"))

	_, err := h.OrderShipped(context.Background(), "o-1", fixedNow)
	require.Error(t, err)
	assert.False(t, Permanent(err))

	o, _ := store.Order("o-1")
	assert.Equal(t, order.StatusPaid, o.Status)
}

func TestDeliverAcks(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantAck bool
	}{
		{"success", nil, true},
		{"permanent failure", ErrMalformedSignal, true},
		{"transient failure", errors.New("db down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Subscriber{}
			acked := false
			var got []byte
			s.deliver(context.Background(), []byte("payload"), func() error {
				acked = true
				return nil
			}, func(_ context.Context, raw []byte) error {
				got = raw
				return tc.err
			})
			assert.Equal(t, tc.wantAck, acked)
			assert.Equal(t, []byte("payload"), got)
		})
	}
}

type failingConn struct {
	subject, queue string
}

func (c *failingConn) QueueSubscribe(subject, qgroup string, _ stan.MsgHandler, _ ...stan.SubscriptionOption) (stan.Subscription, error) {
	c.subject, c.queue = subject, qgroup
	return nil, errors.New("stan: connect timeout")
}

func TestSubscribeErrors(t *testing.T) {
	_, err := (&Subscriber{}).Subscribe(context.Background(), nil)
	require.Error(t, err)

	conn := &failingConn{}
	s := &Subscriber{Conn: conn, Subject: "fulfillment", Durable: "escrow"}
	_, err = s.Subscribe(context.Background(), func(context.Context, []byte) error { return nil })
	require.Error(t, err)
	assert.Equal(t, "fulfillment", conn.subject)
	assert.Equal(t, "escrow-fulfillment", conn.queue)
}
