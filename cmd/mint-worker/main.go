package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/minting"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/instance"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/migrate"
	gateway "github.com/angelmondragon/oxygencredits-backend/pkg/minting"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pubsub"
	"github.com/angelmondragon/oxygencredits-backend/pkg/redis"
)

const (
	serviceName    = "mint-worker"
	idempotencyTTL = 24 * time.Hour
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(context.Background(), "mint worker stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger) (err error) {
	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		return err
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg, cfg.PubSub.MintSubscription)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pubsubClient.Close()) }()

	minter, err := gateway.NewClient(cfg.Minting)
	if err != nil {
		return err
	}

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		return err
	}
	creditSvc, err := credits.NewService(credits.ServiceParams{
		Repo:   credits.NewRepository(dbClient.DB()),
		Users:  users.NewRepository(dbClient.DB()),
		Ledger: ledgerSvc,
		Outbox: outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		TX:     dbClient,
	})
	if err != nil {
		return err
	}

	promRegistry := metrics.NewRegistry()
	params := minting.ConsumerParams{
		Credits:      creditSvc,
		Minter:       minter,
		Subscription: pubsubClient.MintSubscription(),
		Metrics:      metrics.NewDomainMetrics(promRegistry),
		Logger:       logg,
		MaxAttempts:  cfg.Minting.MaxAttempts,
	}
	if cfg.Redis.Enabled() {
		redisClient, redisErr := redis.New(context.Background(), cfg.Redis, logg)
		if redisErr != nil {
			return redisErr
		}
		defer func() { err = multierr.Append(err, redisClient.Close()) }()

		guard, guardErr := idempotency.NewGuard(redisClient, idempotencyTTL)
		if guardErr != nil {
			return guardErr
		}
		params.Guard = guard
	} else {
		logg.Warn(context.Background(), "redis not configured; duplicate deliveries rely on mint status only")
	}

	consumer, err := minting.NewConsumer(params)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"serviceKind":  serviceName,
		"instance":     instance.GetID(),
		"subscription": cfg.PubSub.MintSubscription,
	})
	logg.Info(ctx, "starting mint worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return consumer.Run(groupCtx) })
	group.Go(func() error { return metrics.Serve(groupCtx, cfg.App.MetricsAddr, promRegistry) })
	if err := group.Wait(); err != nil {
		return err
	}
	logg.Info(ctx, "mint worker shutting down gracefully")
	return nil
}
