package controllers

import (
	"net/http"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/api/validators"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// ListTransactions pages through the caller's own ledger entries.
func ListTransactions(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("ledger"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListTransactionsForUser(r.Context(), caller.UserID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}
