package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/instance"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/migrate"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/registry"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pubsub"
)

const serviceName = "outbox-publisher"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.New(logger.Options{ServiceName: serviceName}).Warn(context.Background(), "could not read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: serviceName}).Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		stop()
		os.Exit(1)
	}
	logg.Info(ctx, "outbox publisher stopped")
}

// run wires the publisher loop and its metrics endpoint and blocks until
// either fails or ctx is cancelled. Clients are closed on the way out.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pubsubClient.Close()) }()

	events, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return err
	}

	promRegistry := metrics.NewRegistry()
	publisher, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      events,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
		Metrics:       metrics.NewDomainMetrics(promRegistry),
	})
	if err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceName,
		"instance":    instance.GetID(),
		"topics":      events.Topics(),
	})
	logg.Info(ctx, "starting outbox publisher")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return publisher.Run(groupCtx) })
	group.Go(func() error { return metrics.Serve(groupCtx, cfg.App.MetricsAddr, promRegistry) })
	return group.Wait()
}
