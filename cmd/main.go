package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/anomaly"
	"github.com/ukydev/usage-integrity/internal/auth"
	"github.com/ukydev/usage-integrity/internal/config"
	"github.com/ukydev/usage-integrity/internal/coverage"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/engine"
	"github.com/ukydev/usage-integrity/internal/handlers"
	"github.com/ukydev/usage-integrity/internal/ingest"
	"github.com/ukydev/usage-integrity/internal/middleware"
	"github.com/ukydev/usage-integrity/internal/timeline"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
	log.Info("Server stopped")
}

// app is the wired service without its background workers.
type app struct {
	engine  *engine.Engine
	handler http.Handler
	close   func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		_ = closeStore(ctx)
		return nil, err
	}
	if err := authService.EnsureAdmin(ctx, store.Users, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = closeStore(ctx)
		return nil, err
	}

	eng := engine.New(store, engineOptions(cfg), log.StandardLogger())
	handler := handlers.NewRouter(handlers.RouterConfig{
		Auth:           handlers.NewAuthHandler(authService, store.Users),
		API:            handlers.NewAPIHandler(eng),
		AuthMiddleware: middleware.NewAuthMiddleware(authService),
		AllowedOrigins: cfg.AllowedOrigins,
		LoginRateLimit: cfg.LoginRateLimit,
	})
	return &app{engine: eng, handler: handler, close: closeStore}, nil
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Policies: cfg.Policies,
		Rates: timeline.Rates{
			IdleRateMPD:    cfg.IdleRateMPD,
			TripRateMPD:    cfg.TripRateMPD,
			ToleranceMiles: cfg.ToleranceMiles,
		},
		Limits:             anomaly.Limits{MaxPlausibleMPD: cfg.MaxPlausibleMPD},
		DefaultDeclaration: cfg.DefaultDeclaration,
		LockTTL:            cfg.LockTTL,
		SweepConcurrency:   cfg.SweepConcurrency,
		ComplianceWindow:   cfg.ComplianceWindow,
		Platform: coverage.PlatformPolicy{
			Enabled:     cfg.PlatformCoverageEnabled,
			Deductible:  cfg.PlatformDeductible,
			Description: cfg.PlatformDescription,
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*db.Store, func(context.Context) error, error) {
	if cfg.Store == "memory" {
		store, _ := db.NewMemoryStore()
		log.Warn("Using in-memory store; data is lost on restart")
		return store, func(context.Context) error { return nil }, nil
	}

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	if err := db.EnsureIndexes(ctx, client.Database(cfg.MongoDB)); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ensure indexes: %w", err)
	}
	log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")
	return db.NewMongoStore(client, cfg.MongoDB), client.Disconnect, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	scheduler := engine.NewScheduler(a.engine, cfg.SweepInterval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.MQTTBroker != "" {
		sub := ingest.NewSubscriber(ingest.Options{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
		}, a.engine, log.StandardLogger())
		if err := sub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt subscriber: %w", err)
		}
		defer sub.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
