package migrate

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"

	"go.uber.org/multierr"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// ValidateDir checks every .sql file in dir for a timestamped name, a unique
// version and both goose annotations. All problems are reported together.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return validateFS(os.DirFS(dir))
}

func validateFS(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no migrations found")
	}
	slices.Sort(names)

	var errs error
	versions := make(map[string]string, len(names))
	for _, name := range names {
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: expected YYYYMMDDHHMMSS_snake_name.sql", name))
			continue
		}
		if prev, dup := versions[m[1]]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s: version %s already used by %s", name, m[1], prev))
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, checkAnnotations(name, body))
	}
	return errs
}

// checkAnnotations requires "-- +goose Up" before "-- +goose Down".
func checkAnnotations(name string, body []byte) error {
	up, down := -1, -1
	sc := bufio.NewScanner(bytes.NewReader(body))
	for line := 0; sc.Scan(); line++ {
		switch string(bytes.TrimSpace(sc.Bytes())) {
		case "-- +goose Up":
			up = line
		case "-- +goose Down":
			down = line
		}
	}
	switch {
	case up < 0:
		return fmt.Errorf("%s: missing \"-- +goose Up\"", name)
	case down < 0:
		return fmt.Errorf("%s: missing \"-- +goose Down\"", name)
	case down < up:
		return fmt.Errorf("%s: \"-- +goose Down\" precedes \"-- +goose Up\"", name)
	}
	return nil
}
