package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	stan "github.com/nats-io/stan.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/fulfillment"
	"escrowflow/outbox"
)

// The worker consumes fulfillment signals and relays outbox instructions to
// the ledger over the same NATS Streaming connection.
func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, "escrow-worker")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger

	clientID := cfg.STAN.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("escrow-worker-%d", time.Now().UnixNano())
	}
	sc, err := stan.Connect(cfg.STAN.ClusterID, clientID, stan.NatsURL(cfg.STAN.URL))
	if err != nil {
		logger.Fatal("stan connect", zap.Error(err))
	}
	defer sc.Close()

	handler := fulfillment.NewHandler(rt.Pool, rt.Orders, cfg.Escrow.ConfirmationGrace).
		WithLogger(logger.Named("fulfillment"))
	sub := &fulfillment.Subscriber{
		Conn:    sc,
		Subject: cfg.STAN.FulfillmentSubject,
		Durable: cfg.STAN.Durable,
		Logger:  logger.Named("fulfillment"),
	}
	if _, err := sub.Subscribe(ctx, handler.Handle); err != nil {
		logger.Fatal("subscribe fulfillment", zap.Error(err))
	}

	relay := outbox.NewRelay(rt.Pool, rt.Outbox, outbox.NewSTANPublisher(sc, cfg.STAN.LedgerSubject),
		logger.Named("outbox"), outbox.RelayOptions{
			BatchSize:   cfg.Escrow.OutboxBatchSize,
			MaxAttempts: cfg.Escrow.OutboxMaxAttempts,
		})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx, cfg.Escrow.OutboxInterval)
	})

	logger.Info("escrow worker started",
		zap.String("fulfillment_subject", cfg.STAN.FulfillmentSubject),
		zap.String("ledger_subject", cfg.STAN.LedgerSubject),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
