package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/scanner"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to YAML config")
	once := flag.Bool("once", false, "run a single sweep and exit")
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

	rt, err := app.Open(ctx, cfg, "escrow-scanner")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	s := scanner.New(scanner.Options{
		Pool:      rt.Pool,
		Orders:    rt.Orders,
		Manager:   rt.EscalationManager(),
		Logger:    rt.Logger.Named("scanner"),
		BatchSize: cfg.Scanner.BatchSize,
		Workers:   cfg.Scanner.Workers,
	})

	if *once {
		report, err := s.SweepOverdue(ctx)
		if err != nil {
			rt.Logger.Error("sweep failed", zap.Error(err))
			return
		}
		rt.Logger.Info("sweep complete",
			zap.Int("candidates", report.Candidates),
			zap.Int("escalated", report.Escalated),
			zap.Int("failed", report.Failed),
			zap.Duration("duration", report.Duration),
		)
		return
	}

	rt.Logger.Info("deadline scanner started", zap.Duration("interval", cfg.Scanner.Interval))
	if err := s.Run(ctx, cfg.Scanner.Interval); err != nil && !errors.Is(err, context.Canceled) {
		rt.Logger.Error("scanner stopped", zap.Error(err))
	}
}
