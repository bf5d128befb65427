package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"escrowflow/app"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/confirmation"
	"escrowflow/db"
	"escrowflow/shipping"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to YAML config")
	migrate := flag.Bool("migrate", false, "apply database migrations before serving")
	issueFor := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	issueRole := flag.String("role", string(auth.RoleMember), "role carried by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateHTTP(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if *issueFor != "" {
		token, err := auth.NewTokenService(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL).
			IssueToken(*issueFor, auth.Role(*issueRole))
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, "escrow-api")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger

	if *migrate {
		if err := db.Migrate(ctx, rt.Pool); err != nil {
			logger.Fatal("apply migrations", zap.Error(err))
		}
	}

	server := &Server{
		orders: rt.Orders,
		confirmations: confirmation.NewEngine(rt.Pool, rt.Orders, rt.Outbox, rt.Dispatcher).
			WithLogger(logger.Named("confirmation")),
		shipping: shipping.NewEngine(rt.Pool, rt.Orders, rt.Dispatcher).
			WithLogger(logger.Named("shipping")),
		escalations: rt.EscalationManager(),
		tokens:      auth.NewTokenService(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL),
		health:      rt.Pool.Ping,
		logger:      logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("escrow api listening", zap.String("addr", cfg.HTTP.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
}
