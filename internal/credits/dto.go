package credits

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// CreditDTO is the public view of an issued credit.
type CreditDTO struct {
	ID           uuid.UUID        `json:"id"`
	ClaimID      uuid.UUID        `json:"claim_id"`
	OwnerID      uuid.UUID        `json:"owner_id"`
	Amount       int              `json:"amount"`
	NDVIDelta    *float64         `json:"ndvi_delta,omitempty"`
	MetadataCID  *string          `json:"metadata_cid,omitempty"`
	MintStatus   enums.MintStatus `json:"mint_status"`
	TokenID      *string          `json:"token_id,omitempty"`
	MintAttempts int              `json:"mint_attempts"`
	MintedAt     *time.Time       `json:"minted_at,omitempty"`
	IssuedAt     time.Time        `json:"issued_at"`
}

// HoldingDTO is one credit in a user's portfolio.
type HoldingDTO struct {
	CreditID   uuid.UUID        `json:"credit_id"`
	ClaimID    uuid.UUID        `json:"claim_id"`
	Amount     int              `json:"amount"`
	Held       int              `json:"held"`
	Available  int              `json:"available"`
	Listed     int              `json:"listed"`
	IsOwner    bool             `json:"is_owner"`
	NDVIDelta  *float64         `json:"ndvi_delta,omitempty"`
	MintStatus enums.MintStatus `json:"mint_status"`
	TokenID    *string          `json:"token_id,omitempty"`
	IssuedAt   time.Time        `json:"issued_at"`
}

// Portfolio is the read model for GET /credits/{userId}.
type Portfolio struct {
	UserID  uuid.UUID    `json:"user_id"`
	Credits []HoldingDTO `json:"credits"`
	Total   int          `json:"total"`
}

// IssueResult describes what one issuance wrote.
type IssueResult struct {
	Credit        CreditDTO `json:"credit"`
	TransactionID uuid.UUID `json:"transaction_id"`
	MintRequested bool      `json:"mint_requested"`
}

func creditFromModel(m *models.Credit) CreditDTO {
	return CreditDTO{
		ID:           m.ID,
		ClaimID:      m.ClaimID,
		OwnerID:      m.OwnerID,
		Amount:       m.Amount,
		NDVIDelta:    m.NDVIDelta,
		MetadataCID:  m.MetadataCID,
		MintStatus:   m.MintStatus,
		TokenID:      m.TokenID,
		MintAttempts: m.MintAttempts,
		MintedAt:     m.MintedAt,
		IssuedAt:     m.IssuedAt,
	}
}

func holdingFromRow(holderID uuid.UUID, row HoldingRow) HoldingDTO {
	return HoldingDTO{
		CreditID:   row.CreditID,
		ClaimID:    row.ClaimID,
		Amount:     row.Amount,
		Held:       row.Available + row.Listed,
		Available:  row.Available,
		Listed:     row.Listed,
		IsOwner:    row.OwnerID == holderID,
		NDVIDelta:  row.NDVIDelta,
		MintStatus: row.MintStatus,
		TokenID:    row.TokenID,
		IssuedAt:   row.IssuedAt,
	}
}
