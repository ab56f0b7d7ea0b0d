package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/minting"
)

type repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateWallet(ctx context.Context, id uuid.UUID, address string) (bool, error)
}

// Service covers profile reads and payout wallet registration.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*UserDTO, error)
	SetWallet(ctx context.Context, id uuid.UUID, address string) (*UserDTO, error)
}

type service struct {
	repo repository
}

func NewService(repo repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("users repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*UserDTO, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		return nil, pkgerrors.Storage(err, "load user")
	}
	return FromModel(user), nil
}

func (s *service) SetWallet(ctx context.Context, id uuid.UUID, address string) (*UserDTO, error) {
	address = strings.TrimSpace(address)
	if !minting.ValidAddress(address) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "wallet address must be 0x followed by 40 hex characters")
	}
	updated, err := s.repo.UpdateWallet(ctx, id, address)
	if err != nil {
		return nil, pkgerrors.Storage(err, "update wallet")
	}
	if !updated {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return s.Get(ctx, id)
}
