package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/test/memstore"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []outbox.Message
	fail func(outbox.Message) error
}

func (p *fakePublisher) Publish(_ context.Context, msg outbox.Message) error {
	if p.fail != nil {
		if err := p.fail(msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func enqueue(t *testing.T, store *memstore.Store, topic string, payload map[string]any) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Outbox().Enqueue(ctx, tx, topic, payload))
	require.NoError(t, tx.Commit(ctx))
}

func statuses(store *memstore.Store) map[string]string {
	out := make(map[string]string)
	for _, row := range store.OutboxRows() {
		out[row.Topic] = row.Status
	}
	return out
}

func TestRelay_PublishesPending(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicEscrowRelease, map[string]any{"order_id": "o-1"})
	enqueue(t, store, outbox.TopicEscrowRefund, map[string]any{"order_id": "o-2"})

	pub := &fakePublisher{}
	relay := outbox.NewRelay(store, store.Outbox(), pub, nil, outbox.RelayOptions{})

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.sent, 2)
	assert.Equal(t, map[string]string{
		outbox.TopicEscrowRelease: outbox.StatusProcessed,
		outbox.TopicEscrowRefund:  outbox.StatusProcessed,
	}, statuses(store))

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "processed rows are not relayed twice")
}

func TestRelay_RetriesThenDeadLetters(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicEscrowRelease, map[string]any{"order_id": "o-1"})
	enqueue(t, store, outbox.TopicEscrowRefund, map[string]any{"order_id": "o-2"})

	pub := &fakePublisher{fail: func(m outbox.Message) error {
		if m.Topic == outbox.TopicEscrowRefund {
			return errors.New("ledger unavailable")
		}
		return nil
	}}
	relay := outbox.NewRelay(store, store.Outbox(), pub, nil, outbox.RelayOptions{MaxAttempts: 2})

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, outbox.StatusPending, statuses(store)[outbox.TopicEscrowRefund])

	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDead, statuses(store)[outbox.TopicEscrowRefund])

	for _, row := range store.OutboxRows() {
		if row.Topic == outbox.TopicEscrowRefund {
			assert.Equal(t, 2, row.Attempts)
			assert.Equal(t, "ledger unavailable", row.LastError)
		}
	}
}

func TestRelay_CommitFailureRedelivers(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicEscrowRelease, map[string]any{"order_id": "o-1"})

	pub := &fakePublisher{}
	relay := outbox.NewRelay(store, store.Outbox(), pub, nil, outbox.RelayOptions{})

	store.FailNextCommit(errors.New("connection reset"))
	_, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, outbox.StatusPending, statuses(store)[outbox.TopicEscrowRelease])

	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, pub.sent[0].ID, pub.sent[1].ID, "redelivery keeps the message id for consumer dedupe")
}

func TestRelay_ConcurrentRelaysDoNotDoublePublish(t *testing.T) {
	store := memstore.New()
	for i := 0; i < 20; i++ {
		enqueue(t, store, outbox.TopicEscrowRelease, map[string]any{"n": i})
	}
	pub := &fakePublisher{}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay := outbox.NewRelay(store, store.Outbox(), pub, nil, outbox.RelayOptions{BatchSize: 5})
			for {
				n, err := relay.RunOnce(context.Background())
				if err != nil || n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, m := range pub.sent {
		seen[m.ID]++
	}
	assert.Len(t, seen, 20)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicEscrowRelease, map[string]any{"order_id": "o-1"})
	pub := &fakePublisher{}
	relay := outbox.NewRelay(store, store.Outbox(), pub, nil, outbox.RelayOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

type fakeConn struct {
	subject string
	data    []byte
	err     error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

func TestSTANPublisher_Envelope(t *testing.T) {
	conn := &fakeConn{}
	pub := outbox.NewSTANPublisher(conn, "")
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	err := pub.Publish(context.Background(), outbox.Message{
		ID:        "msg-1",
		Topic:     outbox.TopicEscrowRefund,
		Payload:   []byte(`{"order_id":"o-1"}`),
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.Equal(t, "ledger.escrow.refund", conn.subject)

	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(conn.data, &env))
	assert.Equal(t, "msg-1", env.ID)
	assert.Equal(t, outbox.TopicEscrowRefund, env.Topic)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(env.Payload))
	assert.True(t, env.CreatedAt.Equal(created))

	conn.err = errors.New("stan: connection closed")
	assert.Error(t, pub.Publish(context.Background(), outbox.Message{ID: "msg-2", Topic: outbox.TopicEscrowRelease}))
	assert.JSONEq(t, `{}`, string(mustPayload(t, conn.data)))
}

func mustPayload(t *testing.T, data []byte) json.RawMessage {
	t.Helper()
	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Payload
}

func TestEscrowInstruction(t *testing.T) {
	o := order.Order{
		ID:           "o-1",
		BuyerID:      "b",
		SellerID:     "s",
		PriceCents:   500,
		Currency:     "USD",
		EscrowStatus: order.EscrowRefunded,
	}
	payload := outbox.EscrowInstruction(o, "arbitration", "esc-1")
	assert.Equal(t, "esc-1", payload["escalation_id"])
	assert.Equal(t, int64(500), payload["amount"])
	assert.Equal(t, "refunded", payload["escrow"])

	_, ok := outbox.EscrowInstruction(o, "mutual_confirmation", "")["escalation_id"]
	assert.False(t, ok)
}
