package users

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
)

// Repository reads and writes the users table. Lookups return
// gorm.ErrRecordNotFound for unknown rows; callers translate it.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a copy bound to tx, or r itself when tx is nil.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) users(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.User{})
}

func (r *Repository) Create(ctx context.Context, dto CreateUserDTO) (*models.User, error) {
	user := dto.ToModel()
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// FindByEmail matches on the normalized address.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.first(ctx, "email = ?", NormalizeEmail(email))
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *Repository) first(ctx context.Context, cond string, arg any) (*models.User, error) {
	user := new(models.User)
	if err := r.users(ctx).Where(cond, arg).Take(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Repository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.users(ctx).Where("id = ?", id).UpdateColumn("last_login_at", at.UTC()).Error
}

// UpdateWallet reports false when no user has id.
func (r *Repository) UpdateWallet(ctx context.Context, id uuid.UUID, address string) (bool, error) {
	res := r.users(ctx).Where("id = ?", id).UpdateColumns(map[string]any{
		"wallet_address": address,
		"updated_at":     time.Now().UTC(),
	})
	return res.RowsAffected > 0, res.Error
}
