package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/redis"
)

// Guard lets a consumer process each event id at most once at a time.
// Keys look like `oc:idempotency:evt:<consumer>:<event_id>`.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewGuard builds a guard whose claims expire after ttl.
func NewGuard(store redis.IdempotencyStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// Acquire returns true when this consumer is the first to see the event.
// A false result means another delivery already handled or is handling it.
func (g *Guard) Acquire(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := g.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	return g.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl)
}

// Release forgets the event so a redelivery can be processed again.
func (g *Guard) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := g.key(consumer, eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey(fmt.Sprintf("evt:%s", consumer), eventID.String()), nil
}
