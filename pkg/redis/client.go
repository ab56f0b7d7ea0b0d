// Package redis holds the shared Redis connection and the key layout used
// for idempotency replay, auth rate limits, access sessions and job locks.
package redis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

const defaultNamespace = "oc"

var errNotInitialized = errors.New("redis client not initialized")

// commands is the slice of go-redis the package relies on.
type commands interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Incr(context.Context, string) *redis.IntCmd
	ExpireNX(context.Context, string, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// IdempotencyStore is what the HTTP and consumer idempotency guards need.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(context.Context, ...string) error
}

// Keyspace prefixes every key with a namespace so several deployments can
// share one Redis.
type Keyspace string

func (k Keyspace) key(parts ...string) string {
	var b strings.Builder
	b.WriteString(string(cmp.Or(k, defaultNamespace)))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			b.WriteByte(':')
			b.WriteString(part)
		}
	}
	return b.String()
}

func (k Keyspace) IdempotencyKey(scope, id string) string { return k.key("idempotency", scope, id) }

func (k Keyspace) RateLimitKey(scope string) string { return k.key("rate_limit", scope) }

func (k Keyspace) AccessSessionKey(accessID string) string {
	return k.key("session", "access", accessID)
}

func (k Keyspace) LockKey(name string) string { return k.key("lock", name) }

type Client struct {
	Keyspace
	cmds  commands
	close func() error
}

// New dials Redis and fails unless the server answers PING.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis %s: %w", opts.Addr, err), rdb.Close())
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"redis_addr": opts.Addr,
			"redis_db":   opts.DB,
		}), "redis connection established")
	}
	return &Client{Keyspace: Keyspace(cfg.Namespace), cmds: rdb, close: rdb.Close}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: cfg.Address, Password: cfg.Password}
	switch {
	case strings.TrimSpace(cfg.URL) != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case strings.TrimSpace(cfg.Address) == "":
		return nil, errors.New("redis url or address is required")
	}

	// Values carried by the URL win over the discrete settings.
	opts.DB = cmp.Or(opts.DB, cfg.DB)
	opts.PoolSize = cmp.Or(opts.PoolSize, cfg.PoolSize)
	opts.MinIdleConns = cmp.Or(opts.MinIdleConns, cfg.MinIdleConns)
	opts.DialTimeout = cmp.Or(opts.DialTimeout, cfg.DialTimeout)
	opts.ReadTimeout = cmp.Or(opts.ReadTimeout, cfg.ReadTimeout)
	opts.WriteTimeout = cmp.Or(opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func (c *Client) commands() (commands, error) {
	if c == nil || c.cmds == nil {
		return nil, errNotInitialized
	}
	return c.cmds, nil
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	cmds, err := c.commands()
	if err != nil {
		return err
	}
	return cmds.Set(ctx, key, value, ttl).Err()
}

// Get returns redis.Nil for a missing key; see IsMissing.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	cmds, err := c.commands()
	if err != nil {
		return "", err
	}
	return cmds.Get(ctx, key).Result()
}

func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	cmds, err := c.commands()
	if err != nil {
		return false, err
	}
	return cmds.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	cmds, err := c.commands()
	if err != nil {
		return err
	}
	return cmds.Del(ctx, keys...).Err()
}

func (c *Client) Ping(ctx context.Context) error {
	cmds, err := c.commands()
	if err != nil {
		return err
	}
	return cmds.Ping(ctx).Err()
}

// FixedWindowAllow counts a hit against scope and reports whether the count
// is still within limit. The window starts at the first hit and EXPIRE NX is
// sent on every hit, so the TTL is never extended.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	cmds, err := c.commands()
	if err != nil {
		return false, 0, err
	}
	key := c.RateLimitKey(scope)
	count, err := cmds.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if window > 0 {
		if err := cmds.ExpireNX(ctx, key, window).Err(); err != nil {
			return false, count, err
		}
	}
	return count <= limit, count, nil
}

func (c *Client) Close() error {
	if c == nil || c.close == nil {
		return nil
	}
	return c.close()
}

// IsMissing reports whether err means the key does not exist.
func IsMissing(err error) bool {
	return errors.Is(err, redis.Nil)
}
