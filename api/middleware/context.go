package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

type contextKey string

const (
	ctxUserID   contextKey = "user_id"
	ctxRole     contextKey = "actor_role"
	ctxAccessID contextKey = "access_id"
)

// Caller is the identity resolved from a bearer token.
type Caller struct {
	UserID uuid.UUID
	Role   enums.UserRole
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	id, ok := ctx.Value(ctxUserID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return Caller{}, false
	}
	role, _ := ctx.Value(ctxRole).(enums.UserRole)
	return Caller{UserID: id, Role: role}, true
}

func UserIDFromContext(ctx context.Context) string {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return ""
	}
	return caller.UserID.String()
}

func RoleFromContext(ctx context.Context) enums.UserRole {
	caller, _ := CallerFromContext(ctx)
	return caller.Role
}

// AccessIDFromContext returns the token id used to revoke the session.
func AccessIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxAccessID).(string); ok {
		return v
	}
	return ""
}

// WithCaller injects an authenticated caller into the context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxUserID, caller.UserID)
	return context.WithValue(ctx, ctxRole, caller.Role)
}

func withAccessID(ctx context.Context, accessID string) context.Context {
	return context.WithValue(ctx, ctxAccessID, accessID)
}
