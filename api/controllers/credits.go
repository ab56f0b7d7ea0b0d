package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/api/validators"
	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

type issueCreditRequest struct {
	ClaimID string `json:"claim_id" validate:"required,uuid"`
}

// ListCredits returns the user's holdings and their summed units.
func ListCredits(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("credits"))
			return
		}
		userID, err := validators.ParsePathUUID(r, "userId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		portfolio, err := svc.ListCreditsForUser(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, portfolio)
	}
}

// IssueCredit issues the credit for a verified claim that does not have one
// yet. Mounted behind the verifier role.
func IssueCredit(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("credits"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body issueCreditRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.IssueManually(r.Context(), credits.ManualIssueInput{
			ClaimID:   uuid.MustParse(body.ClaimID),
			ActorID:   caller.UserID,
			ActorRole: caller.Role,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}
