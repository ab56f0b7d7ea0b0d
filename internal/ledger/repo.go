package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
)

// Repository manages the append-only transaction and verifier log tables.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateTransactions(ctx context.Context, rows ...*models.Transaction) error
	CreateVerifierLog(ctx context.Context, entry *models.VerifierLog) error
	FindVerifierLog(ctx context.Context, claimID uuid.UUID) (*models.VerifierLog, error)
	ListUnloggedReviews(ctx context.Context, reviewedBefore time.Time, limit int) ([]models.Claim, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.Transaction, *pagination.Cursor, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateTransactions(ctx context.Context, rows ...*models.Transaction) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(rows).Error
}

func (r *repository) CreateVerifierLog(ctx context.Context, entry *models.VerifierLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) FindVerifierLog(ctx context.Context, claimID uuid.UUID) (*models.VerifierLog, error) {
	var entry models.VerifierLog
	if err := r.db.WithContext(ctx).Where("claim_id = ?", claimID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListUnloggedReviews finds decided claims that never got their verifier log
// entry, oldest decision first.
func (r *repository) ListUnloggedReviews(ctx context.Context, reviewedBefore time.Time, limit int) ([]models.Claim, error) {
	var claims []models.Claim
	err := r.db.WithContext(ctx).
		Where("status IN ?", []enums.ClaimStatus{enums.ClaimStatusVerified, enums.ClaimStatusRejected}).
		Where("verified_by IS NOT NULL AND verified_at < ?", reviewedBefore.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM verifier_logs v WHERE v.claim_id = claims.id)").
		Order("verified_at ASC").
		Limit(limit).
		Find(&claims).Error
	return claims, err
}

func (r *repository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.Transaction, *pagination.Cursor, error) {
	var rows []models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Scopes(pagination.Keyset("", cursor, limit)).
		Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, limit, func(tx models.Transaction) pagination.Cursor {
		return pagination.Cursor{CreatedAt: tx.CreatedAt, ID: tx.ID}
	})
	return page, next, nil
}
