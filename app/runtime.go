// Package app wires the shared collaborators used by the escrowflow binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escalation"
	"escrowflow/logging"
	"escrowflow/notify"
	"escrowflow/order"
	"escrowflow/outbox"
)

// Runtime holds the process-wide dependencies built from Config.
type Runtime struct {
	Config     *config.Config
	Logger     *zap.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Dispatcher *notify.Dispatcher
	Orders     *order.PGRepository
	Outbox     *outbox.PGStore
	Users      *auth.PGRepository
}

// Open connects to Postgres and, when configured, Redis. Without a Redis
// address notifications are dropped.
func Open(ctx context.Context, cfg *config.Config, service string) (*Runtime, error) {
	logger, err := logging.New(cfg.App.LogLevel, service)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		Pool:   pool,
		Orders: order.NewPGRepository(pool),
		Outbox: outbox.NewPGStore(),
		Users:  auth.NewRepository(pool),
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Redis.Addr != "" {
		client, err := notify.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		rt.Redis = client
		notifier = notify.NewRedisNotifier(client, cfg.Redis.ChannelPrefix)
	} else {
		logger.Warn("redis.addr not set, notifications are disabled")
	}
	rt.Dispatcher = notify.NewDispatcher(notifier, logger, cfg.Escrow.NotifyTimeout)
	return rt, nil
}

// EscalationManager builds the manager used for disputes, deadline
// escalations and arbitration.
func (rt *Runtime) EscalationManager() *escalation.Manager {
	return escalation.NewManager(escalation.Options{
		Pool:        rt.Pool,
		Orders:      rt.Orders,
		Escalations: escalation.NewRepository(rt.Pool),
		Admins:      rt.Users,
		Outbox:      rt.Outbox,
		Dispatcher:  rt.Dispatcher,
		Logger:      rt.Logger.Named("escalation"),
	})
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Logger.Warn("close redis", zap.Error(err))
		}
	}
	rt.Pool.Close()
	_ = rt.Logger.Sync()
}
