package marketplace

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// ReceiptStatusCompleted is the only status a successful purchase reports.
const ReceiptStatusCompleted = "completed"

type CreateListingInput struct {
	SellerID   uuid.UUID
	SellerRole enums.UserRole
	CreditID   uuid.UUID
	UnitPrice  decimal.Decimal
	Quantity   int
}

type PurchaseInput struct {
	BuyerID   uuid.UUID
	BuyerRole enums.UserRole
	ListingID uuid.UUID
	Quantity  int
}

type CancelListingInput struct {
	SellerID   uuid.UUID
	SellerRole enums.UserRole
	ListingID  uuid.UUID
}

// CreditSummary is the slice of the credit shown next to a listing.
type CreditSummary struct {
	ClaimID    uuid.UUID        `json:"claim_id"`
	Amount     int              `json:"amount"`
	NDVIDelta  *float64         `json:"ndvi_delta,omitempty"`
	MintStatus enums.MintStatus `json:"mint_status"`
}

type ListingDTO struct {
	ID              uuid.UUID           `json:"id"`
	SellerID        uuid.UUID           `json:"seller_id"`
	CreditID        uuid.UUID           `json:"credit_id"`
	UnitPrice       decimal.Decimal     `json:"unit_price"`
	Quantity        int                 `json:"quantity"`
	InitialQuantity int                 `json:"initial_quantity"`
	Status          enums.ListingStatus `json:"status"`
	Credit          *CreditSummary      `json:"credit,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type ListingPage struct {
	Listings   []ListingDTO `json:"listings"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// Receipt is returned to the buyer after settlement.
type Receipt struct {
	ListingID         uuid.UUID           `json:"listing_id"`
	CreditID          uuid.UUID           `json:"credit_id"`
	Quantity          int                 `json:"quantity"`
	UnitPrice         decimal.Decimal     `json:"unit_price"`
	TotalPrice        decimal.Decimal     `json:"total_price"`
	Status            string              `json:"status"`
	ListingStatus     enums.ListingStatus `json:"listing_status"`
	RemainingQuantity int                 `json:"remaining_quantity"`
}

type PurchaseResult struct {
	Receipt  Receipt
	Warnings []string
}

// ListingRow is a listing joined with its credit.
type ListingRow struct {
	ID              uuid.UUID
	SellerID        uuid.UUID
	CreditID        uuid.UUID
	UnitPrice       decimal.Decimal
	Quantity        int
	InitialQuantity int
	Status          enums.ListingStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClaimID         uuid.UUID
	CreditAmount    int
	NDVIDelta       *float64
	MintStatus      enums.MintStatus
}

func FromModel(m *models.MarketplaceListing) ListingDTO {
	return ListingDTO{
		ID:              m.ID,
		SellerID:        m.SellerID,
		CreditID:        m.CreditID,
		UnitPrice:       m.UnitPrice,
		Quantity:        m.Quantity,
		InitialQuantity: m.InitialQuantity,
		Status:          m.Status,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func fromRow(row ListingRow) ListingDTO {
	return ListingDTO{
		ID:              row.ID,
		SellerID:        row.SellerID,
		CreditID:        row.CreditID,
		UnitPrice:       row.UnitPrice,
		Quantity:        row.Quantity,
		InitialQuantity: row.InitialQuantity,
		Status:          row.Status,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		Credit: &CreditSummary{
			ClaimID:    row.ClaimID,
			Amount:     row.CreditAmount,
			NDVIDelta:  row.NDVIDelta,
			MintStatus: row.MintStatus,
		},
	}
}
