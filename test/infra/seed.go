package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/order"
)

// Seeder inserts fixtures through the production repositories.
type Seeder struct {
	Pool   *pgxpool.Pool
	Users  *auth.PGRepository
	Orders *order.PGRepository
}

func NewSeeder(pool *pgxpool.Pool) *Seeder {
	return &Seeder{Pool: pool, Users: auth.NewRepository(pool), Orders: order.NewPGRepository(pool)}
}

func (s *Seeder) User(ctx context.Context, role auth.Role) (auth.User, error) {
	id := uuid.NewString()
	return s.Users.CreateUser(ctx, "user-"+id+"@example.com", "Seed "+id[:8], role)
}

// DeliveredOrder creates a delivered order with escrow held whose
// confirmation deadline is deliveredAt plus the default grace.
func (s *Seeder) DeliveredOrder(ctx context.Context, buyerID, sellerID string, deliveredAt time.Time) (order.Order, error) {
	deadline := deliveredAt.Add(order.DefaultConfirmationGrace)
	shipped := deliveredAt.Add(-24 * time.Hour)
	return s.create(ctx, order.Order{
		BuyerID:              buyerID,
		SellerID:             sellerID,
		PriceCents:           2500,
		Currency:             "USD",
		Status:               order.StatusDelivered,
		EscrowStatus:         order.EscrowHeld,
		ShippedAt:            &shipped,
		DeliveredAt:          &deliveredAt,
		ConfirmationDeadline: &deadline,
	})
}

// PaidOrder creates a paid order still in the vault.
func (s *Seeder) PaidOrder(ctx context.Context, buyerID, sellerID string) (order.Order, error) {
	return s.create(ctx, order.Order{
		BuyerID:    buyerID,
		SellerID:   sellerID,
		PriceCents: 1800,
		Currency:   "EUR",
		Status:     order.StatusPaid,
	})
}

func (s *Seeder) create(ctx context.Context, o order.Order) (order.Order, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback(ctx)

	created, err := s.Orders.Create(ctx, tx, o)
	if err != nil {
		return order.Order{}, fmt.Errorf("seed order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, err
	}
	return created, nil
}
