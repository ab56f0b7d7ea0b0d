package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// Client owns the gorm connection pool shared by every repository.
type Client struct {
	conn *gorm.DB
}

// Pinger is satisfied by Client and used by readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New opens the configured backend. Postgres gets the pool settings from cfg.
// The sqlite fixture store is built from the models and held to one
// connection, which serialises its transactions.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	conn, err := gorm.Open(dialector(cfg), &gorm.Config{
		Logger:                 queryLogger(logg, cfg.SlowQuery),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}

	if cfg.IsSQLite() {
		sqlDB.SetMaxOpenConns(1)
		if err := conn.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
			return nil, fmt.Errorf("build sqlite schema: %w", err)
		}
	} else {
		tunePool(sqlDB, cfg)
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "driver", conn.Dialector.Name()), "database connection established")
	}
	return &Client{conn: conn}, nil
}

func dialector(cfg config.DBConfig) gorm.Dialector {
	if cfg.IsSQLite() {
		return sqlite.Open(cfg.DSN)
	}
	return postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true})
}

// queryLogger reports slow statements and SQL errors through the service
// logger. Missing rows are expected and never logged.
func queryLogger(logg *logger.Logger, slow time.Duration) gormlogger.Interface {
	if logg == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(gormWriter{logg: logg}, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
}

type gormWriter struct {
	logg *logger.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logg.Warn(w.logg.WithField(context.Background(), "component", "gorm"), fmt.Sprintf(format, args...))
}

func tunePool(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func (c *Client) DB() *gorm.DB {
	return c.conn
}

// IsSQLite reports whether the client runs on the fixture store.
func (c *Client) IsSQLite() bool {
	return c.conn.Dialector.Name() == "sqlite"
}

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a transaction. A returned error or a panic rolls back.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.conn.WithContext(ctx).Transaction(fn)
}
