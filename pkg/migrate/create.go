package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_]+`)

// migrationTemplate wraps the body in StatementBegin/End so trigger and
// function bodies with semicolons survive goose's splitter.
const migrationTemplate = `-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- revert %[1]s
-- +goose StatementEnd
`

// CreateSQLMigration writes <dir>/<version>_<name>.sql stamped with now in UTC
// and returns its path. Existing files are never overwritten.
func CreateSQLMigration(dir, name string, now time.Time) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("dir is required")
	}
	slug := migrationSlug(name)
	if slug == "" {
		return "", fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", now.UTC().Format(versionLayout), slug))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("migration already exists: %s", path)
		}
		return "", fmt.Errorf("create migration %q: %w", path, err)
	}
	if _, err := fmt.Fprintf(file, migrationTemplate, slug); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write migration %q: %w", path, err)
	}
	return path, file.Close()
}

func migrationSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "_")
	slug = unsafeNameChars.ReplaceAllString(slug, "_")
	return strings.Trim(slug, "_")
}
