package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/api/validators"
	"github.com/angelmondragon/oxygencredits-backend/internal/claims"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

const maxNoteLen = 2000

type submitClaimRequest struct {
	Location     string                `json:"location" validate:"notblank,max=200"`
	Polygon      json.RawMessage       `json:"polygon" validate:"required"`
	AreaHectares *float64              `json:"area_hectares,omitempty" validate:"omitempty,gt=0"`
	NDVIBefore   json.RawMessage       `json:"ndvi_before,omitempty"`
	NDVIAfter    json.RawMessage       `json:"ndvi_after,omitempty"`
	NDVIDelta    *float64              `json:"ndvi_delta,omitempty"`
	BeforeImage  *string               `json:"before_image_ref,omitempty" validate:"omitempty,max=512"`
	AfterImage   *string               `json:"after_image_ref,omitempty" validate:"omitempty,max=512"`
	Evidence     []claims.EvidenceFile `json:"evidence,omitempty" validate:"omitempty,max=10,dive"`
}

func (b submitClaimRequest) vegetation() *claims.VegetationData {
	if b.NDVIDelta == nil && len(b.NDVIBefore) == 0 && len(b.NDVIAfter) == 0 {
		return nil
	}
	return &claims.VegetationData{
		NDVIBefore:     b.NDVIBefore,
		NDVIAfter:      b.NDVIAfter,
		NDVIDelta:      b.NDVIDelta,
		BeforeImageRef: b.BeforeImage,
		AfterImageRef:  b.AfterImage,
	}
}

type verifyClaimRequest struct {
	Approved *bool   `json:"approved" validate:"required"`
	Credits  *int    `json:"credits,omitempty"`
	Note     *string `json:"note,omitempty"`
}

type appendEvidenceRequest struct {
	Files []claims.EvidenceFile `json:"files" validate:"required,min=1,max=10,dive"`
}

// SubmitClaim registers a parcel claim for review.
func SubmitClaim(svc claims.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("claims"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body submitClaimRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.SubmitClaim(r.Context(), claims.SubmitClaimInput{
			ContributorID: caller.UserID,
			Role:          caller.Role,
			Location:      validators.SanitizeString(body.Location, 200),
			Polygon:       body.Polygon,
			AreaHectares:  body.AreaHectares,
			Vegetation:    body.vegetation(),
			Evidence:      body.Evidence,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessWithWarnings(w, http.StatusCreated, result.Claim, result.Warnings)
	}
}

// ListClaims supports `contributor_id`, `status`, `cursor` and `limit`.
func ListClaims(svc claims.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("claims"))
			return
		}

		contributorID, err := validators.ParseQueryUUID(r, "contributor_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter := claims.ListFilter{ContributorID: contributorID}
		if raw := r.URL.Query().Get("status"); raw != "" {
			status, err := enums.ParseClaimStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			filter.Status = &status
		}
		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListClaims(r.Context(), filter, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func GetClaim(svc claims.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("claims"))
			return
		}
		claimID, err := validators.ParsePathUUID(r, "claimId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		claim, err := svc.GetClaim(r.Context(), claimID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, claim)
	}
}

// VerifyClaim approves or rejects a pending claim. The role check lives in
// the service so it runs before any other validation.
func VerifyClaim(svc claims.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("claims"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		claimID, err := validators.ParsePathUUID(r, "claimId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body verifyClaimRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.VerifyClaim(r.Context(), claims.VerifyClaimInput{
			ClaimID:      claimID,
			VerifierID:   caller.UserID,
			VerifierRole: caller.Role,
			Approved:     *body.Approved,
			Credits:      body.Credits,
			Note:         validators.SanitizeOptional(body.Note, maxNoteLen),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessWithWarnings(w, http.StatusOK, result, result.Warnings)
	}
}

func AppendEvidence(svc claims.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("claims"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		claimID, err := validators.ParsePathUUID(r, "claimId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body appendEvidenceRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		claim, err := svc.AppendEvidence(r.Context(), claims.AppendEvidenceInput{
			ClaimID: claimID,
			UserID:  caller.UserID,
			Files:   body.Files,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, claim)
	}
}
