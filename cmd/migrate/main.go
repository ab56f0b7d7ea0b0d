package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/migrate"
)

const serviceName = "migrate"

type options struct {
	cmd     string
	dir     string
	name    string
	version string
}

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})
	_ = godotenv.Load()

	opts := options{}
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|reset|redo|version|create|validate")
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	// create and validate only touch the filesystem.
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			exit(logg, errors.New("missing -name for create"))
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name, time.Now())
		if err != nil {
			exit(logg, fmt.Errorf("create migration: %w", err))
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := migrate.ValidateDir(opts.dir); err != nil {
			exit(logg, fmt.Errorf("migration validation failed: %w", err))
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		exit(logg, fmt.Errorf("load config: %w", err))
	}
	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg, opts); err != nil {
		exit(logg, err)
	}
}

func run(cfg *config.Config, logg *logger.Logger, opts options) error {
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": opts.cmd,
		"dir": opts.dir,
	})

	if cfg.DB.IsSQLite() {
		return errors.New("goose migrations target postgres; the sqlite store is auto-migrated")
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}

	migrator, err := migrate.NewMigrator(sqlDB, opts.dir, logg)
	if err != nil {
		return err
	}

	logg.Info(ctx, "migrate ready")
	switch {
	case slices.Contains(migrate.Commands, opts.cmd):
		if err := migrator.Apply(ctx, opts.cmd); err != nil {
			return err
		}
	case opts.cmd == "version":
		if opts.version == "" {
			return errors.New("missing -version for version command")
		}
		if err := migrator.MigrateTo(ctx, opts.version); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown -cmd value %q", opts.cmd)
	}
	logg.Info(ctx, "migrate finished")
	return nil
}

func exit(logg *logger.Logger, err error) {
	logg.Error(context.Background(), "migrate failed", err)
	os.Exit(1)
}
