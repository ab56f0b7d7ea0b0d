package marketplace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
)

const listingColumns = `l.id, l.seller_id, l.credit_id, l.unit_price, l.quantity, l.initial_quantity,
	l.status, l.created_at, l.updated_at, c.claim_id, c.amount AS credit_amount, c.ndvi_delta, c.mint_status`

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, listing *models.MarketplaceListing) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.MarketplaceListing, error)
	FindRow(ctx context.Context, id uuid.UUID) (*ListingRow, error)
	DecrementQuantity(ctx context.Context, id uuid.UUID, quantity int) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	ListActive(ctx context.Context, limit int, cursor *pagination.Cursor) ([]ListingRow, *pagination.Cursor, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, listing *models.MarketplaceListing) error {
	return r.db.WithContext(ctx).Create(listing).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.MarketplaceListing, error) {
	var listing models.MarketplaceListing
	if err := r.db.WithContext(ctx).First(&listing, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &listing, nil
}

func (r *repository) FindRow(ctx context.Context, id uuid.UUID) (*ListingRow, error) {
	var rows []ListingRow
	err := r.db.WithContext(ctx).
		Table("marketplace_listings AS l").
		Select(listingColumns).
		Joins("JOIN credits c ON c.id = l.credit_id").
		Where("l.id = ?", id).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &rows[0], nil
}

// DecrementQuantity takes quantity units off an active listing and flips it
// to sold_out when it reaches zero. False means the listing was not active or
// did not have enough units left.
func (r *repository) DecrementQuantity(ctx context.Context, id uuid.UUID, quantity int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.MarketplaceListing{}).
		Where("id = ? AND status = ? AND quantity >= ?", id, enums.ListingStatusActive, quantity).
		Updates(map[string]any{
			"quantity":   gorm.Expr("quantity - ?", quantity),
			"status":     gorm.Expr("CASE WHEN quantity - ? = 0 THEN ? ELSE status END", quantity, enums.ListingStatusSoldOut),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.MarketplaceListing{}).
		Where("id = ? AND status = ?", id, enums.ListingStatusActive).
		Updates(map[string]any{
			"status":     enums.ListingStatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) ListActive(ctx context.Context, limit int, cursor *pagination.Cursor) ([]ListingRow, *pagination.Cursor, error) {
	var rows []ListingRow
	err := r.db.WithContext(ctx).
		Table("marketplace_listings AS l").
		Select(listingColumns).
		Joins("JOIN credits c ON c.id = l.credit_id").
		Where("l.status = ? AND l.quantity > 0", enums.ListingStatusActive).
		Scopes(pagination.Keyset("l", cursor, limit)).
		Scan(&rows).Error
	if err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, limit, func(row ListingRow) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	return page, next, nil
}
