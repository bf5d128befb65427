package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/auth"
	"escrowflow/escalation"
	"escrowflow/notify"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/scanner"
	"escrowflow/test/infra"
)

type pgFixture struct {
	pool    *pgxpool.Pool
	manager *escalation.Manager
	orders  *order.PGRepository
	seeder  *infra.Seeder
	rec     *notify.Recorder
	admin   auth.User
}

func newPGFixture(t *testing.T) (*pgFixture, context.Context) {
	t.Helper()
	pool := infra.Postgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	f := &pgFixture{
		pool:   pool,
		orders: order.NewPGRepository(pool),
		seeder: infra.NewSeeder(pool),
		rec:    &notify.Recorder{},
	}
	admin, err := f.seeder.User(ctx, auth.RoleAdmin)
	require.NoError(t, err)
	f.admin = admin
	f.manager = escalation.NewManager(escalation.Options{
		Pool:        pool,
		Orders:      f.orders,
		Escalations: escalation.NewRepository(pool),
		Admins:      auth.NewRepository(pool),
		Outbox:      outbox.NewPGStore(),
		Dispatcher:  notify.NewDispatcher(f.rec, nil, time.Second),
	})
	return f, ctx
}

func (f *pgFixture) delivered(t *testing.T, ctx context.Context, deliveredAt time.Time) (order.Order, auth.User, auth.User) {
	t.Helper()
	buyer, err := f.seeder.User(ctx, auth.RoleMember)
	require.NoError(t, err)
	seller, err := f.seeder.User(ctx, auth.RoleMember)
	require.NoError(t, err)
	o, err := f.seeder.DeliveredOrder(ctx, buyer.ID, seller.ID, deliveredAt)
	require.NoError(t, err)
	return o, buyer, seller
}

func TestManagerPG_DisputeAndRefund(t *testing.T) {
	f, ctx := newPGFixture(t)
	o, buyer, seller := f.delivered(t, ctx, time.Now().Add(-time.Hour))

	rec, err := f.manager.Escalate(ctx, escalation.EscalateParams{OrderID: o.ID, ActorID: buyer.ID, Reason: "box was empty"})
	require.NoError(t, err)
	assert.Equal(t, escalation.TypeBuyerDispute, rec.Type)

	_, err = f.manager.Escalate(ctx, escalation.EscalateParams{OrderID: o.ID, ActorID: seller.ID, Reason: "buyer is lying"})
	assert.ErrorIs(t, err, escalation.ErrEscalationOpen)

	disputed, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDisputed, disputed.Status)
	assert.Equal(t, order.EscrowDisputed, disputed.EscrowStatus)

	resolved, err := f.manager.Resolve(ctx, escalation.ResolveParams{
		EscalationID: rec.ID,
		AdminID:      f.admin.ID,
		Action:       escalation.ActionRefunded,
		Notes:        "seller could not prove shipment",
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolutionAction)
	assert.Equal(t, escalation.ActionRefunded, *resolved.ResolutionAction)

	_, err = f.manager.Resolve(ctx, escalation.ResolveParams{
		EscalationID: rec.ID,
		AdminID:      f.admin.ID,
		Action:       escalation.ActionReleased,
	})
	assert.ErrorIs(t, err, order.ErrAlreadyResolved)

	final, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, final.Status)
	assert.Equal(t, order.EscrowRefunded, final.EscrowStatus)

	list, err := f.manager.List(ctx, escalation.Filters{OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
}

func TestManagerPG_ResolvedRowsAreImmutable(t *testing.T) {
	pool := infra.Postgres(t)
	ctx := context.Background()
	seeder := infra.NewSeeder(pool)

	buyer, err := seeder.User(ctx, auth.RoleMember)
	require.NoError(t, err)
	seller, err := seeder.User(ctx, auth.RoleMember)
	require.NoError(t, err)
	admin, err := seeder.User(ctx, auth.RoleAdmin)
	require.NoError(t, err)
	o, err := seeder.DeliveredOrder(ctx, buyer.ID, seller.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	var id string
	require.NoError(t, pool.QueryRow(ctx, `
INSERT INTO escalations (order_id, escalation_type, escalated_by, resolved_at, resolved_by, resolution_action)
VALUES ($1, 'buyer_dispute', $2, now(), $3, 'released')
RETURNING id::text`, o.ID, buyer.ID, admin.ID).Scan(&id))

	_, err = pool.Exec(ctx, `UPDATE escalations SET resolution_action = 'refunded' WHERE id = $1`, id)
	assert.Error(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM escalations WHERE id = $1`, id)
	assert.Error(t, err)
}

func TestScannerPG_EscalatesOverdueOnce(t *testing.T) {
	f, ctx := newPGFixture(t)
	overdue, _, _ := f.delivered(t, ctx, time.Now().Add(-order.DefaultConfirmationGrace-time.Hour))
	fresh, _, _ := f.delivered(t, ctx, time.Now().Add(-time.Hour))

	s := scanner.New(scanner.Options{Pool: f.pool, Orders: f.orders, Manager: f.manager})
	report, err := s.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	again, err := s.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Candidates)

	list, err := f.manager.List(ctx, escalation.Filters{OrderID: overdue.ID, State: escalation.StateOpen})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, escalation.TypeTimeout, list.Items[0].Type)
	assert.Nil(t, list.Items[0].EscalatedBy)

	untouched, err := f.orders.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, untouched.Status)
}
