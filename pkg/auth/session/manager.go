// Package session keeps one Redis key per issued access token. Logout deletes
// the key, which revokes the token before its JWT expiry.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	redisclient "github.com/angelmondragon/oxygencredits-backend/pkg/redis"
)

var errBlankAccessID = errors.New("access id is required")

type store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	AccessSessionKey(accessID string) string
}

// AccessSessionChecker is the read side used by the auth middleware.
type AccessSessionChecker interface {
	HasSession(ctx context.Context, accessID string, userID uuid.UUID) (bool, error)
}

type Manager struct {
	store store
	ttl   time.Duration
}

// NewManager keeps sessions for exactly as long as the access token lives.
func NewManager(client *redisclient.Client, cfg config.JWTConfig) (*Manager, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ExpirationMinutes <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	return &Manager{store: client, ttl: time.Duration(cfg.ExpirationMinutes) * time.Minute}, nil
}

func (m *Manager) key(accessID string) (string, error) {
	accessID = strings.TrimSpace(accessID)
	if accessID == "" {
		return "", errBlankAccessID
	}
	return m.store.AccessSessionKey(accessID), nil
}

// Open binds accessID to userID.
func (m *Manager) Open(ctx context.Context, accessID string, userID uuid.UUID) error {
	key, err := m.key(accessID)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, userID.String(), m.ttl)
}

func (m *Manager) Revoke(ctx context.Context, accessID string) error {
	key, err := m.key(accessID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

// HasSession is true only while the session exists and still belongs to
// userID.
func (m *Manager) HasSession(ctx context.Context, accessID string, userID uuid.UUID) (bool, error) {
	key, err := m.key(accessID)
	if err != nil {
		return false, err
	}
	owner, err := m.store.Get(ctx, key)
	switch {
	case redisclient.IsMissing(err):
		return false, nil
	case err != nil:
		return false, err
	}
	return owner == userID.String(), nil
}

// NewAccessID returns a fresh token id; it becomes the JWT jti.
func NewAccessID() string {
	return uuid.NewString()
}
