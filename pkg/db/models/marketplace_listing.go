package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// MarketplaceListing offers units of a credit at a fixed unit price.
type MarketplaceListing struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	SellerID        uuid.UUID           `gorm:"column:seller_id;type:uuid;not null;index"`
	CreditID        uuid.UUID           `gorm:"column:credit_id;type:uuid;not null;index"`
	UnitPrice       decimal.Decimal     `gorm:"column:unit_price;type:numeric(18,2);not null"`
	Quantity        int                 `gorm:"column:quantity;not null"`
	InitialQuantity int                 `gorm:"column:initial_quantity;not null"`
	Status          enums.ListingStatus `gorm:"column:status;type:text;not null;default:active;index"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
