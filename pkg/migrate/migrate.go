package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

const DefaultDir = "pkg/migrate/migrations"

// Commands lists what Migrator.Apply accepts.
var Commands = []string{"up", "down", "status", "reset", "redo"}

// Migrator runs the SQL files in a directory against postgres. The sqlite
// fixture store is built by AutoMigrate and never sees these files.
type Migrator struct {
	provider *goose.Provider
	logg     *logger.Logger
}

func NewMigrator(db *sql.DB, dir string, logg *logger.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dir == "" {
		return nil, errors.New("dir is required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Migrator{provider: provider, logg: logg}, nil
}

// Apply runs a single goose command and logs every migration it touched.
func (m *Migrator) Apply(ctx context.Context, command string) error {
	var (
		results []*goose.MigrationResult
		err     error
	)
	switch command {
	case "up":
		results, err = m.provider.Up(ctx)
	case "down":
		results, err = one(m.provider.Down(ctx))
	case "reset":
		results, err = m.provider.DownTo(ctx, 0)
	case "redo":
		results, err = one(m.provider.Down(ctx))
		if err == nil {
			var up []*goose.MigrationResult
			up, err = one(m.provider.UpByOne(ctx))
			results = append(results, up...)
		}
	case "status":
		return m.logStatus(ctx)
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}

	m.logResults(ctx, command, results)
	if err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// MigrateTo moves the schema up or down until targetVersion is current.
func (m *Migrator) MigrateTo(ctx context.Context, targetVersion string) error {
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil || target < 0 {
		return fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS)", targetVersion)
	}
	current, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case current < target:
		results, err = m.provider.UpTo(ctx, target)
	case current > target:
		results, err = m.provider.DownTo(ctx, target)
	}
	m.logResults(ctx, "version", results)
	if err != nil {
		return fmt.Errorf("migrate %d -> %d: %w", current, target, err)
	}
	return nil
}

func (m *Migrator) logResults(ctx context.Context, command string, results []*goose.MigrationResult) {
	if m.logg == nil {
		return
	}
	if len(results) == 0 {
		m.logg.Info(m.logg.WithField(ctx, "command", command), "no migrations to apply")
		return
	}
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		m.logg.Info(m.logg.WithFields(ctx, map[string]any{
			"command":     command,
			"version":     res.Source.Version,
			"file":        res.Source.Path,
			"direction":   res.Direction,
			"duration_ms": res.Duration.Milliseconds(),
		}), "migration applied")
	}
}

func (m *Migrator) logStatus(ctx context.Context) error {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("goose status: %w", err)
	}
	if m.logg == nil {
		return nil
	}
	for _, st := range statuses {
		fields := map[string]any{
			"version": st.Source.Version,
			"file":    st.Source.Path,
			"state":   string(st.State),
		}
		if !st.AppliedAt.IsZero() {
			fields["applied_at"] = st.AppliedAt
		}
		m.logg.Info(m.logg.WithFields(ctx, fields), "migration status")
	}
	return nil
}

func one(res *goose.MigrationResult, err error) ([]*goose.MigrationResult, error) {
	if res == nil {
		return nil, err
	}
	return []*goose.MigrationResult{res}, err
}
