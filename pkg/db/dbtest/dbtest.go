// Package dbtest opens isolated sqlite fixture stores for package tests.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// New returns a migrated in-memory store private to the calling test.
func New(t *testing.T) *db.Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	client, err := db.New(context.Background(), config.DBConfig{
		Driver: config.DriverSQLite,
		DSN:    fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()),
	}, nil)
	if err != nil {
		t.Fatalf("open sqlite fixture: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// SeedUser inserts a user with the given role and returns it.
func SeedUser(t *testing.T, client *db.Client, role enums.UserRole) *models.User {
	t.Helper()
	id := uuid.New()
	user := &models.User{
		ID:           id,
		Email:        id.String() + "@oxygen.test",
		PasswordHash: "x",
		FullName:     string(role) + " user",
		Role:         role,
	}
	if err := client.DB().Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}
