// Package main runs the Pi gateway: token verification, profile
// registration, server-side payment approval and completion, account
// management and DROP token distribution.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/playdroplink/pi-gateway/internal/config"
	"github.com/playdroplink/pi-gateway/internal/database"
	"github.com/playdroplink/pi-gateway/internal/httputil"
	"github.com/playdroplink/pi-gateway/internal/payment"
	"github.com/playdroplink/pi-gateway/internal/piapi"
	"github.com/playdroplink/pi-gateway/internal/subscription"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

func main() {
	log := logger.NewDefault("pi-gateway")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration failed")
	}

	repo, err := database.NewRepository(database.Config{
		URL:        cfg.SupabaseURL,
		ServiceKey: cfg.SupabaseServiceKey,
	})
	if err != nil {
		log.WithError(err).Fatal("supabase repository failed")
	}

	platform := piapi.NewClient(piapi.Config{
		BaseURL: cfg.PiAPIBaseURL,
		Version: cfg.PiAPIVersion,
		APIKey:  cfg.PiAPIKey,
	})

	// The subscription store is optional: without a Postgres DSN the gateway
	// still runs, it just skips plan activation on completed payments.
	var subs subscription.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("postgres open failed")
		}
		defer db.Close()
		if err := subscription.Migrate(db); err != nil {
			log.WithError(err).Fatal("migrations failed")
		}
		subs = subscription.NewPostgresStore(db)
	} else {
		log.Warn("DATABASE_URL not set, subscription activation disabled")
	}

	var distributor *httputil.Client
	if cfg.DistributorURL != "" {
		distributor = httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.DistributorURL})
	}

	payments := payment.NewSupabaseIdempotencyStore(repo)

	srv := &server{
		cfg:         cfg,
		log:         log,
		platform:    platform,
		profiles:    newSupabaseProfiles(repo),
		grants:      newSupabaseGrants(repo),
		payments:    payments,
		subs:        subs,
		distributor: distributor,
		metrics:     newMetrics(),
	}

	reconciler := payment.NewReconciler(payments, platform, 0, log)
	if cfg.ReconcileSchedule != "" {
		if err := reconciler.Start(cfg.ReconcileSchedule); err != nil {
			log.WithError(err).Fatal("payment reconciliation schedule failed")
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).WithField("network", cfg.Network).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
	reconciler.Stop()

	log.Info("gateway stopped")
}
