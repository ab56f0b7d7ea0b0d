package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
)

// Review is the column set written by the pending → terminal transition.
type Review struct {
	Status     enums.ClaimStatus
	Credits    *int
	VerifiedBy uuid.UUID
	VerifiedAt time.Time
	Note       *string
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, claim *models.Claim) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Claim, error)
	CountSince(ctx context.Context, contributorID uuid.UUID, since time.Time) (int64, error)
	TransitionFromPending(ctx context.Context, id uuid.UUID, review Review) (bool, error)
	List(ctx context.Context, filter ListFilter, limit int, cursor *pagination.Cursor) ([]models.Claim, *pagination.Cursor, error)
	CreateEvidence(ctx context.Context, rows []models.ClaimEvidence) error
	ListEvidence(ctx context.Context, claimID uuid.UUID) ([]models.ClaimEvidence, error)
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

func (r *repository) Create(ctx context.Context, claim *models.Claim) error {
	return r.db.WithContext(ctx).Create(claim).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	var claim models.Claim
	if err := r.db.WithContext(ctx).First(&claim, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &claim, nil
}

func (r *repository) CountSince(ctx context.Context, contributorID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Claim{}).
		Where("contributor_id = ? AND created_at >= ?", contributorID, since.UTC()).
		Count(&count).Error
	return count, err
}

// TransitionFromPending applies the review only while the claim is pending.
// False means the row was missing or already reviewed.
func (r *repository) TransitionFromPending(ctx context.Context, id uuid.UUID, review Review) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Claim{}).
		Where("id = ? AND status = ?", id, enums.ClaimStatusPending).
		Updates(map[string]any{
			"status":        review.Status,
			"credits":       review.Credits,
			"verified_by":   review.VerifiedBy,
			"verified_at":   review.VerifiedAt,
			"verifier_note": review.Note,
			"updated_at":    review.VerifiedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter, limit int, cursor *pagination.Cursor) ([]models.Claim, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.Claim{})
	if filter.ContributorID != nil {
		query = query.Where("contributor_id = ?", *filter.ContributorID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var rows []models.Claim
	if err := query.Scopes(pagination.Keyset("", cursor, limit)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, limit, func(c models.Claim) pagination.Cursor {
		return pagination.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
	})
	return page, next, nil
}

func (r *repository) CreateEvidence(ctx context.Context, rows []models.ClaimEvidence) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *repository) ListEvidence(ctx context.Context, claimID uuid.UUID) ([]models.ClaimEvidence, error) {
	var rows []models.ClaimEvidence
	err := r.db.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}
