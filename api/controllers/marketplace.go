package controllers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/api/validators"
	"github.com/angelmondragon/oxygencredits-backend/internal/marketplace"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// Price accepts a JSON number or string; decimal.Decimal unmarshals both.
type createListingRequest struct {
	CreditID string          `json:"credit_id" validate:"required,uuid"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity" validate:"required,gt=0"`
}

type purchaseRequest struct {
	ListingID string `json:"listing_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

func ListListings(svc marketplace.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("marketplace"))
			return
		}
		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListActiveListings(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func GetListing(svc marketplace.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("marketplace"))
			return
		}
		listingID, err := validators.ParsePathUUID(r, "listingId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		listing, err := svc.GetListing(r.Context(), listingID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, listing)
	}
}

// CreateListing reserves units of a held credit for sale.
func CreateListing(svc marketplace.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("marketplace"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body createListingRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		listing, err := svc.CreateListing(r.Context(), marketplace.CreateListingInput{
			SellerID:   caller.UserID,
			SellerRole: caller.Role,
			CreditID:   uuid.MustParse(body.CreditID),
			UnitPrice:  body.Price,
			Quantity:   body.Quantity,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, listing)
	}
}

func CancelListing(svc marketplace.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("marketplace"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		listingID, err := validators.ParsePathUUID(r, "listingId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		listing, err := svc.CancelListing(r.Context(), marketplace.CancelListingInput{
			SellerID:   caller.UserID,
			SellerRole: caller.Role,
			ListingID:  listingID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, listing)
	}
}

// PurchaseListing settles a purchase and returns the receipt. Ledger rows
// that failed to record after commit surface as warnings.
func PurchaseListing(svc marketplace.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("marketplace"))
			return
		}
		caller, err := requireCaller(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body purchaseRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Purchase(r.Context(), marketplace.PurchaseInput{
			BuyerID:   caller.UserID,
			BuyerRole: caller.Role,
			ListingID: uuid.MustParse(body.ListingID),
			Quantity:  body.Quantity,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessWithWarnings(w, http.StatusOK, result.Receipt, result.Warnings)
	}
}
