package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// MaybeRunDev applies pending goose migrations when running in dev against
// postgres with OXYGEN_AUTO_MIGRATE enabled.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !ShouldAutoRun(cfg) {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": DefaultDir})
	logg.Info(ctx, "running goose migrations (dev auto-run)")

	migrator, err := NewMigrator(sqlDB, DefaultDir, logg)
	if err != nil {
		return err
	}
	if err := migrator.Apply(ctx, "up"); err != nil {
		return err
	}

	logg.Info(ctx, "goose migrations completed")
	return nil
}

// ShouldAutoRun reports whether MaybeRunDev would touch the database.
func ShouldAutoRun(cfg *config.Config) bool {
	if cfg == nil || cfg.DB.IsSQLite() {
		return false
	}
	return cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate
}
