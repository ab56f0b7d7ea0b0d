package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/api/validators"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

type setWalletRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,wallet"`
}

// CurrentUser returns the caller's profile.
func CurrentUser(svc users.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("users"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		user, err := svc.Get(r.Context(), caller.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, user)
	}
}

// SetWallet stores the payout address minted tokens are sent to.
func SetWallet(svc users.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("users"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body setWalletRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		user, err := svc.SetWallet(r.Context(), caller.UserID, strings.TrimSpace(body.WalletAddress))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, user)
	}
}
