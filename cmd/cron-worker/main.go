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

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/cron"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/instance"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/migrate"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/redis"
)

const serviceName = "cron-worker"

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
		logg.Error(context.Background(), "cron worker stopped unexpectedly", err)
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

	var lock cron.Lock = &cron.LocalLock{}
	if cfg.Redis.Enabled() {
		redisClient, redisErr := redis.New(context.Background(), cfg.Redis, logg)
		if redisErr != nil {
			return redisErr
		}
		defer func() { err = multierr.Append(err, redisClient.Close()) }()

		redisLock, lockErr := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceName+":"+cfg.App.Env), cfg.Cron.LockTTL)
		if lockErr != nil {
			return lockErr
		}
		lock = redisLock
	} else {
		logg.Warn(context.Background(), "redis not configured; cron lock is process-local")
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

	reconcile, err := cron.NewReconcileCreditsJob(cron.ReconcileCreditsJobParams{
		Logger:  logg,
		DB:      dbClient,
		Credits: creditSvc,
		Ledger:  ledgerSvc,
	})
	if err != nil {
		return err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outbox.NewRepository(dbClient.DB()),
		DeadLetters: outbox.NewDLQRepository(dbClient.DB()),
	})
	if err != nil {
		return err
	}
	jobs, err := cron.NewRegistry(reconcile, retention)
	if err != nil {
		return err
	}

	promRegistry := metrics.NewRegistry()
	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   jobs,
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(promRegistry),
		Schedule:   cfg.Cron.Schedule,
		RunOnStart: true,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceName,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(groupCtx) })
	group.Go(func() error { return metrics.Serve(groupCtx, cfg.App.MetricsAddr, promRegistry) })
	if err := group.Wait(); err != nil {
		return err
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
	return nil
}
