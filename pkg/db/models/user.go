package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// User represents the canonical identity entity.
type User struct {
	ID            uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	Email         string         `gorm:"column:email;type:text;not null;uniqueIndex:users_email_key"`
	PasswordHash  string         `gorm:"column:password_hash;not null"`
	FullName      string         `gorm:"column:full_name;not null"`
	Role          enums.UserRole `gorm:"column:role;type:text;not null"`
	WalletAddress *string        `gorm:"column:wallet_address"`
	LastLoginAt   *time.Time     `gorm:"column:last_login_at"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
