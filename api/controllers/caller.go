package controllers

import (
	"net/http"

	"github.com/angelmondragon/oxygencredits-backend/api/middleware"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
)

func requireCaller(r *http.Request) (middleware.Caller, error) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return middleware.Caller{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return caller, nil
}

func serviceUnavailable(name string) error {
	return pkgerrors.New(pkgerrors.CodeInternal, name+" service unavailable")
}
