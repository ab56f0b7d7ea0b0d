package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// RequireRole admits callers holding any of roles. It must run after Auth.
func RequireRole(logg *logger.Logger, roles ...enums.UserRole) func(http.Handler) http.Handler {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.String())
	}
	denied := strings.Join(names, " or ") + " role required"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}
			if !slices.Contains(roles, caller.Role) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, denied))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
