package payloads

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// ClaimSubmittedEvent announces a new pending claim.
type ClaimSubmittedEvent struct {
	ClaimID            uuid.UUID                `json:"claim_id"`
	ContributorID      uuid.UUID                `json:"contributor_id"`
	Location           string                   `json:"location"`
	AnalysisConfidence enums.AnalysisConfidence `json:"analysis_confidence"`
}

// ClaimReviewedEvent is emitted once per claim when a verifier decides it.
type ClaimReviewedEvent struct {
	ClaimID    uuid.UUID         `json:"claim_id"`
	VerifierID uuid.UUID         `json:"verifier_id"`
	Status     enums.ClaimStatus `json:"status"`
	Credits    *int              `json:"credits,omitempty"`
}

// CreditIssuedEvent reports a new credit for a verified claim.
type CreditIssuedEvent struct {
	CreditID uuid.UUID `json:"credit_id"`
	ClaimID  uuid.UUID `json:"claim_id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	Amount   int       `json:"amount"`
}

// CreditMintRequestedEvent asks the mint worker to mint tokens for a credit.
type CreditMintRequestedEvent struct {
	CreditID         uuid.UUID `json:"credit_id"`
	ClaimID          uuid.UUID `json:"claim_id"`
	OwnerID          uuid.UUID `json:"owner_id"`
	RecipientAddress string    `json:"recipient_address"`
	Amount           int       `json:"amount"`
	MetadataCID      *string   `json:"metadata_cid,omitempty"`
}

// ListingCreatedEvent reports units reserved for sale.
type ListingCreatedEvent struct {
	ListingID uuid.UUID `json:"listing_id"`
	SellerID  uuid.UUID `json:"seller_id"`
	CreditID  uuid.UUID `json:"credit_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
}

// ListingCancelledEvent reports unsold units returned to the seller.
type ListingCancelledEvent struct {
	ListingID        uuid.UUID `json:"listing_id"`
	SellerID         uuid.UUID `json:"seller_id"`
	CreditID         uuid.UUID `json:"credit_id"`
	ReleasedQuantity int       `json:"released_quantity"`
}

// CreditTradeSettledEvent is emitted in the purchase transaction.
type CreditTradeSettledEvent struct {
	ListingID     uuid.UUID           `json:"listing_id"`
	CreditID      uuid.UUID           `json:"credit_id"`
	BuyerID       uuid.UUID           `json:"buyer_id"`
	SellerID      uuid.UUID           `json:"seller_id"`
	Quantity      int                 `json:"quantity"`
	UnitPrice     string              `json:"unit_price"`
	Total         string              `json:"total"`
	ListingStatus enums.ListingStatus `json:"listing_status"`
}
