package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	pkgAuth "github.com/angelmondragon/oxygencredits-backend/pkg/auth"
	"github.com/angelmondragon/oxygencredits-backend/pkg/auth/session"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// Auth resolves the caller from a bearer token. With a nil sessions checker
// tokens cannot be revoked and are trusted until they expire.
func Auth(cfg config.JWTConfig, sessions session.AccessSessionChecker, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := authenticate(r, cfg, sessions)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			if logg != nil {
				caller, _ := CallerFromContext(ctx)
				ctx = logg.WithUserID(ctx, caller.UserID.String())
				ctx = logg.WithActorRole(ctx, string(caller.Role))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, cfg config.JWTConfig, sessions session.AccessSessionChecker) (context.Context, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}

	claims, err := pkgAuth.ParseAccessToken(cfg, token)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}
	if claims.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing session id")
	}

	if sessions != nil {
		live, err := sessions.HasSession(r.Context(), claims.ID, claims.UserID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "validate session")
		}
		if !live {
			return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "session unavailable")
		}
	}

	ctx := WithCaller(r.Context(), Caller{UserID: claims.UserID, Role: claims.Role})
	return withAccessID(ctx, claims.ID), nil
}
