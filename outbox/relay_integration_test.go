package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/outbox"
	"escrowflow/test/infra"
)

func TestRelayPG_PublishesAndDeadLetters(t *testing.T) {
	pool := infra.Postgres(t)
	ctx := context.Background()
	store := outbox.NewPGStore()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, outbox.TopicEscrowRelease, map[string]any{"order_id": "o-1"}))
	require.NoError(t, store.Enqueue(ctx, tx, outbox.TopicEscrowRefund, map[string]any{"order_id": "o-2"}))
	require.NoError(t, tx.Commit(ctx))

	pub := &fakePublisher{fail: func(m outbox.Message) error {
		if m.Topic == outbox.TopicEscrowRefund {
			return errors.New("ledger rejected")
		}
		return nil
	}}
	relay := outbox.NewRelay(pool, store, pub, nil, outbox.RelayOptions{MaxAttempts: 1})

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead and processed rows are not claimed again")

	rows, err := pool.Query(ctx, `SELECT topic, status, attempts, COALESCE(last_error, '') FROM outbox ORDER BY topic`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		topic, status, lastError string
		attempts                 int
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.topic, &r.status, &r.attempts, &r.lastError))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []row{
		{topic: outbox.TopicEscrowRefund, status: outbox.StatusDead, attempts: 1, lastError: "ledger rejected"},
		{topic: outbox.TopicEscrowRelease, status: outbox.StatusProcessed, attempts: 1},
	}, got)
}
