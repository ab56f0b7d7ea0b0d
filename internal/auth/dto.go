package auth

import (
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
)

// RegisterRequest is the signup payload.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	FullName string `json:"full_name" validate:"required"`
	Role     string `json:"role" validate:"required"`
}

// LoginRequest captures the credentials submitted by the client.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SessionResponse is returned by signup and login.
type SessionResponse struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int            `json:"expires_in"`
	User        *users.UserDTO `json:"user"`
}
