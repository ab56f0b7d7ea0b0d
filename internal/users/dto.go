package users

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// UserDTO is the transport shape that omits credentials.
type UserDTO struct {
	ID            uuid.UUID      `json:"id"`
	Email         string         `json:"email"`
	FullName      string         `json:"full_name"`
	Role          enums.UserRole `json:"role"`
	WalletAddress *string        `json:"wallet_address,omitempty"`
	LastLoginAt   *time.Time     `json:"last_login_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CreateUserDTO holds the data required to persist a new user.
type CreateUserDTO struct {
	Email        string
	PasswordHash string
	FullName     string
	Role         enums.UserRole
}

func FromModel(u *models.User) *UserDTO {
	if u == nil {
		return nil
	}
	return &UserDTO{
		ID:            u.ID,
		Email:         u.Email,
		FullName:      u.FullName,
		Role:          u.Role,
		WalletAddress: u.WalletAddress,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func (c CreateUserDTO) ToModel() *models.User {
	return &models.User{
		Email:        NormalizeEmail(c.Email),
		PasswordHash: c.PasswordHash,
		FullName:     strings.TrimSpace(c.FullName),
		Role:         c.Role,
	}
}

// NormalizeEmail lowercases and trims an email for lookup and uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
