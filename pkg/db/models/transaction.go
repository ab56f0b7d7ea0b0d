package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// Transaction is an append-only ledger row: an issuance, or one side of a trade.
type Transaction struct {
	ID             uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	UserID         uuid.UUID             `gorm:"column:user_id;type:uuid;not null;index"`
	Type           enums.TransactionType `gorm:"column:type;type:text;not null"`
	ClaimID        *uuid.UUID            `gorm:"column:claim_id;type:uuid"`
	CreditID       *uuid.UUID            `gorm:"column:credit_id;type:uuid"`
	ListingID      *uuid.UUID            `gorm:"column:listing_id;type:uuid"`
	CounterpartyID *uuid.UUID            `gorm:"column:counterparty_id;type:uuid"`
	Quantity       int                   `gorm:"column:quantity;not null"`
	UnitPrice      *decimal.Decimal      `gorm:"column:unit_price;type:numeric(18,2)"`
	Total          *decimal.Decimal      `gorm:"column:total;type:numeric(18,2)"`
	Metadata       json.RawMessage       `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time             `gorm:"column:created_at;autoCreateTime"`
}

// VerifierLog records the single review decision taken on a claim.
type VerifierLog struct {
	ID         uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	ClaimID    uuid.UUID            `gorm:"column:claim_id;type:uuid;not null;uniqueIndex:verifier_logs_claim_id_key"`
	VerifierID uuid.UUID            `gorm:"column:verifier_id;type:uuid;not null"`
	Action     enums.VerifierAction `gorm:"column:action;type:text;not null"`
	Comment    *string              `gorm:"column:comment"`
	CreatedAt  time.Time            `gorm:"column:created_at;autoCreateTime"`
}
