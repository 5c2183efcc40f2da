package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexbotov/rifas/internal/api"
	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/auth"
	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/alexbotov/rifas/internal/config"
	"github.com/alexbotov/rifas/internal/control"
	"github.com/alexbotov/rifas/internal/database"
	"github.com/alexbotov/rifas/internal/draw"
	"github.com/alexbotov/rifas/internal/ledger"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/alexbotov/rifas/internal/rng"
	"github.com/alexbotov/rifas/internal/telemetry"
	"github.com/google/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rifas: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logFile io.Writer = io.Discard
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logFile = f
	}
	defer logger.Init("rifas", cfg.Log.Verbose, false, logFile).Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "rifas", cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warningf("telemetry shutdown: %v", err)
		}
	}()

	db, err := database.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := raffle.New(db, cfg.Server.Currency)
	auditSvc := audit.New(db)
	ledgerSvc := ledger.New(store, auditSvc)
	hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)
	draws := draw.NewCoordinator(store, hub, auditSvc, nil,
		draw.Wheel{ExtraSpins: cfg.Draw.ExtraSpins, PointerAngle: cfg.Draw.PointerAngle},
		draw.Timing{Spin: cfg.Draw.SpinDuration, Reveal: cfg.Draw.RevealDuration})

	authSvc, err := auth.New(&cfg.Auth, auditSvc)
	if err != nil {
		return fmt.Errorf("setup auth: %w", err)
	}

	handler := api.New(api.Services{
		Auth:      authSvc,
		Raffles:   store,
		Ledger:    ledgerSvc,
		Control:   control.New(store, draws, auditSvc),
		Draws:     draws,
		Hub:       hub,
		Audit:     auditSvc,
		RNG:       rng.New(),
		DB:        db,
		Broadcast: cfg.Broadcast,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.SetupRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("rifas %s listening on %s (%s)", api.Version, srv.Addr, cfg.Database.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	// Viewers hold hijacked connections that Shutdown does not wait for
	hub.Close()

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
