package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills a backend connection of the test database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) {
	r := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if r.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// LockHog grabs the row lock of a random order and sits on it, stretching
// the lock waits of every writer that touches the same order.
func LockHog(ctx context.Context, pool *pgxpool.Pool, orderIDs []string, seed int64, stop <-chan struct{}) {
	r := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		id := orderIDs[r.Intn(len(orderIDs))]
		_, _ = tx.Exec(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, id)
		time.Sleep(time.Duration(50+r.Intn(150)) * time.Millisecond)
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(100+r.Intn(200)) * time.Millisecond)
	}
}
