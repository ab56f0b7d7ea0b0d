package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// HoldingRow joins a holding with the credit it belongs to.
type HoldingRow struct {
	CreditID   uuid.UUID
	ClaimID    uuid.UUID
	OwnerID    uuid.UUID
	Amount     int
	NDVIDelta  *float64
	MintStatus enums.MintStatus
	TokenID    *string
	IssuedAt   time.Time
	Available  int
	Listed     int
}

// Repository persists credits and the per-holder unit balances.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateCredit(ctx context.Context, credit *models.Credit) error
	CreateHolding(ctx context.Context, holding *models.CreditHolding) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Credit, error)
	FindByClaimID(ctx context.Context, claimID uuid.UUID) (*models.Credit, error)
	FindClaim(ctx context.Context, claimID uuid.UUID) (*models.Claim, error)
	FindHolding(ctx context.Context, creditID, holderID uuid.UUID) (*models.CreditHolding, error)
	ListHoldingsByHolder(ctx context.Context, holderID uuid.UUID) ([]HoldingRow, error)
	ReserveUnits(ctx context.Context, creditID, holderID uuid.UUID, quantity int) (bool, error)
	ReleaseUnits(ctx context.Context, creditID, holderID uuid.UUID, quantity int) (bool, error)
	TransferListedUnits(ctx context.Context, creditID, sellerID, buyerID uuid.UUID, quantity int) (bool, error)
	ReassignOwnerIfWhole(ctx context.Context, creditID, holderID uuid.UUID) (bool, error)
	SetMintStatus(ctx context.Context, id uuid.UUID, status enums.MintStatus) error
	MarkMinted(ctx context.Context, id uuid.UUID, tokenID string, at time.Time) (bool, error)
	RecordMintFailure(ctx context.Context, id uuid.UUID, message string, status enums.MintStatus) (bool, error)
	ListClaimsMissingCredits(ctx context.Context, limit int) ([]models.Claim, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credits repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateCredit(ctx context.Context, credit *models.Credit) error {
	return r.db.WithContext(ctx).Create(credit).Error
}

func (r *repository) CreateHolding(ctx context.Context, holding *models.CreditHolding) error {
	return r.db.WithContext(ctx).Create(holding).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Credit, error) {
	var credit models.Credit
	if err := r.db.WithContext(ctx).First(&credit, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &credit, nil
}

func (r *repository) FindByClaimID(ctx context.Context, claimID uuid.UUID) (*models.Credit, error) {
	var credit models.Credit
	if err := r.db.WithContext(ctx).First(&credit, "claim_id = ?", claimID).Error; err != nil {
		return nil, err
	}
	return &credit, nil
}

func (r *repository) FindClaim(ctx context.Context, claimID uuid.UUID) (*models.Claim, error) {
	var claim models.Claim
	if err := r.db.WithContext(ctx).First(&claim, "id = ?", claimID).Error; err != nil {
		return nil, err
	}
	return &claim, nil
}

func (r *repository) FindHolding(ctx context.Context, creditID, holderID uuid.UUID) (*models.CreditHolding, error) {
	var holding models.CreditHolding
	err := r.db.WithContext(ctx).
		Where("credit_id = ? AND holder_id = ?", creditID, holderID).
		First(&holding).Error
	if err != nil {
		return nil, err
	}
	return &holding, nil
}

func (r *repository) ListHoldingsByHolder(ctx context.Context, holderID uuid.UUID) ([]HoldingRow, error) {
	var rows []HoldingRow
	err := r.db.WithContext(ctx).
		Table("credit_holdings AS h").
		Select(`h.credit_id, c.claim_id, c.owner_id, c.amount, c.ndvi_delta, c.mint_status,
			c.token_id, c.issued_at, h.available, h.listed`).
		Joins("JOIN credits c ON c.id = h.credit_id").
		Where("h.holder_id = ? AND h.available + h.listed > 0", holderID).
		Order("c.issued_at DESC, h.credit_id DESC").
		Scan(&rows).Error
	return rows, err
}

// ReserveUnits moves quantity from available to listed. False means the
// holder did not have that many unreserved units.
func (r *repository) ReserveUnits(ctx context.Context, creditID, holderID uuid.UUID, quantity int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CreditHolding{}).
		Where("credit_id = ? AND holder_id = ? AND available >= ?", creditID, holderID, quantity).
		Updates(map[string]any{
			"available":  gorm.Expr("available - ?", quantity),
			"listed":     gorm.Expr("listed + ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseUnits returns listed units to the holder's available balance.
func (r *repository) ReleaseUnits(ctx context.Context, creditID, holderID uuid.UUID, quantity int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CreditHolding{}).
		Where("credit_id = ? AND holder_id = ? AND listed >= ?", creditID, holderID, quantity).
		Updates(map[string]any{
			"available":  gorm.Expr("available + ?", quantity),
			"listed":     gorm.Expr("listed - ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TransferListedUnits debits the seller's listed units and credits the buyer's
// available units, creating the buyer's holding on first purchase.
func (r *repository) TransferListedUnits(ctx context.Context, creditID, sellerID, buyerID uuid.UUID, quantity int) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.CreditHolding{}).
		Where("credit_id = ? AND holder_id = ? AND listed >= ?", creditID, sellerID, quantity).
		Updates(map[string]any{
			"listed":     gorm.Expr("listed - ?", quantity),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	incoming := &models.CreditHolding{
		CreditID:  creditID,
		HolderID:  buyerID,
		Available: quantity,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "credit_id"}, {Name: "holder_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"available":  gorm.Expr("credit_holdings.available + excluded.available"),
				"updated_at": now,
			}),
		}).
		Create(incoming).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReassignOwnerIfWhole points credits.owner_id at holderID when that holder
// now owns every unit of the credit.
func (r *repository) ReassignOwnerIfWhole(ctx context.Context, creditID, holderID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
UPDATE credits SET owner_id = ?
WHERE id = ? AND owner_id <> ? AND amount = (
	SELECT h.available + h.listed FROM credit_holdings h
	WHERE h.credit_id = ? AND h.holder_id = ?
)`, holderID, creditID, holderID, creditID, holderID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) SetMintStatus(ctx context.Context, id uuid.UUID, status enums.MintStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Credit{}).
		Where("id = ?", id).
		UpdateColumn("mint_status", status).Error
}

// MarkMinted records the token id once. False means the credit was already minted.
func (r *repository) MarkMinted(ctx context.Context, id uuid.UUID, tokenID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Credit{}).
		Where("id = ? AND mint_status <> ?", id, enums.MintStatusMinted).
		Updates(map[string]any{
			"mint_status":   enums.MintStatusMinted,
			"token_id":      tokenID,
			"minted_at":     at,
			"mint_error":    nil,
			"mint_attempts": gorm.Expr("mint_attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) RecordMintFailure(ctx context.Context, id uuid.UUID, message string, status enums.MintStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Credit{}).
		Where("id = ? AND mint_status <> ?", id, enums.MintStatusMinted).
		Updates(map[string]any{
			"mint_status":   status,
			"mint_error":    message,
			"mint_attempts": gorm.Expr("mint_attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListClaimsMissingCredits finds verified claims whose credit row was never written.
func (r *repository) ListClaimsMissingCredits(ctx context.Context, limit int) ([]models.Claim, error) {
	var claims []models.Claim
	err := r.db.WithContext(ctx).
		Where("status = ? AND credits > 0", enums.ClaimStatusVerified).
		Where("NOT EXISTS (SELECT 1 FROM credits c WHERE c.claim_id = claims.id)").
		Order("verified_at ASC").
		Limit(limit).
		Find(&claims).Error
	return claims, err
}
