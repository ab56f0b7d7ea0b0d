package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/oxygencredits-backend/api/routes"
	"github.com/angelmondragon/oxygencredits-backend/internal/auth"
	"github.com/angelmondragon/oxygencredits-backend/internal/claims"
	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/marketplace"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/auth/session"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/instance"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/migrate"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/redis"
	"github.com/angelmondragon/oxygencredits-backend/pkg/vegetation"
)

const (
	serviceName     = "api"
	shutdownTimeout = 15 * time.Second
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

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
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

	var (
		redisClient    *redis.Client
		sessionManager *session.Manager
	)
	if cfg.Redis.Enabled() {
		client, redisErr := redis.New(context.Background(), cfg.Redis, logg)
		if redisErr != nil {
			return redisErr
		}
		redisClient = client
		defer func() { err = multierr.Append(err, redisClient.Close()) }()

		manager, sessionErr := session.NewManager(redisClient, cfg.JWT)
		if sessionErr != nil {
			return sessionErr
		}
		sessionManager = manager
	} else {
		logg.Warn(context.Background(), "redis not configured; sessions, rate limits and idempotency are disabled")
	}

	promRegistry := metrics.NewRegistry()
	domainMetrics := metrics.NewDomainMetrics(promRegistry)

	userRepo := users.NewRepository(dbClient.DB())
	authParams := auth.ServiceParams{
		UserRepo:       userRepo,
		JWTConfig:      cfg.JWT,
		PasswordConfig: cfg.Password,
	}
	routerParams := routes.RouterParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		Gatherer: promRegistry,
		HTTP:     metrics.NewHTTPMetrics(promRegistry),
	}
	if sessionManager != nil {
		authParams.SessionManager = sessionManager
		routerParams.Sessions = sessionManager
	}

	authService, err := auth.NewService(authParams)
	if err != nil {
		return err
	}
	usersService, err := users.NewService(userRepo)
	if err != nil {
		return err
	}
	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		return err
	}

	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	creditsRepo := credits.NewRepository(dbClient.DB())
	creditsService, err := credits.NewService(credits.ServiceParams{
		Repo:   creditsRepo,
		Users:  userRepo,
		Ledger: ledgerService,
		Outbox: outboxService,
		TX:     dbClient,
	})
	if err != nil {
		return err
	}

	quotaLocation, err := cfg.Claims.Location()
	if err != nil {
		return err
	}
	claimsParams := claims.ServiceParams{
		Repo:          claims.NewRepository(dbClient.DB()),
		Credits:       creditsService,
		Ledger:        ledgerService,
		Outbox:        outboxService,
		TX:            dbClient,
		Metrics:       domainMetrics,
		Logger:        logg,
		DailyQuota:    cfg.Claims.DailyQuota,
		QuotaLocation: quotaLocation,
	}
	if analyzer := vegetation.NewClient(cfg.Vegetation); analyzer.Configured() {
		claimsParams.Analyzer = analyzer
		routerParams.Analyzer = analyzer
	} else {
		logg.Warn(context.Background(), "vegetation engine not configured; claims are scored as low confidence")
	}
	claimsService, err := claims.NewService(claimsParams)
	if err != nil {
		return err
	}

	marketplaceService, err := marketplace.NewService(marketplace.ServiceParams{
		Repo:     marketplace.NewRepository(dbClient.DB()),
		Holdings: creditsRepo,
		Ledger:   ledgerService,
		Outbox:   outboxService,
		TX:       dbClient,
		Metrics:  domainMetrics,
		Logger:   logg,
	})
	if err != nil {
		return err
	}

	routerParams.Auth = authService
	routerParams.Users = usersService
	routerParams.Claims = claimsService
	routerParams.Credits = creditsService
	routerParams.Marketplace = marketplaceService
	routerParams.Ledger = ledgerService

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(routerParams),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(logCtx, "starting api server")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logg.Info(logCtx, "shutting down api server")
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
