package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// Credit is the immutable issuance record for one verified claim.
// Amount never changes after issuance; who holds the units lives in CreditHolding.
type Credit struct {
	ID           uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	ClaimID      uuid.UUID        `gorm:"column:claim_id;type:uuid;not null;uniqueIndex:credits_claim_id_key"`
	OwnerID      uuid.UUID        `gorm:"column:owner_id;type:uuid;not null;index"`
	Amount       int              `gorm:"column:amount;not null"`
	NDVIDelta    *float64         `gorm:"column:ndvi_delta"`
	MetadataCID  *string          `gorm:"column:metadata_cid"`
	MintStatus   enums.MintStatus `gorm:"column:mint_status;type:text;not null;default:pending"`
	TokenID      *string          `gorm:"column:token_id"`
	MintAttempts int              `gorm:"column:mint_attempts;not null;default:0"`
	MintError    *string          `gorm:"column:mint_error"`
	MintedAt     *time.Time       `gorm:"column:minted_at"`
	IssuedAt     time.Time        `gorm:"column:issued_at;autoCreateTime"`
}

// CreditHolding tracks how many units of a credit a user holds. Available
// units can be listed; listed units are reserved by active listings.
type CreditHolding struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	CreditID  uuid.UUID `gorm:"column:credit_id;type:uuid;not null;uniqueIndex:credit_holdings_credit_holder_key,priority:1"`
	HolderID  uuid.UUID `gorm:"column:holder_id;type:uuid;not null;uniqueIndex:credit_holdings_credit_holder_key,priority:2;index"`
	Available int       `gorm:"column:available;not null;default:0"`
	Listed    int       `gorm:"column:listed;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Total is every unit the holder owns, listed or not.
func (h CreditHolding) Total() int {
	return h.Available + h.Listed
}
