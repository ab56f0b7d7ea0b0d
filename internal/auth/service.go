package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	pkgAuth "github.com/angelmondragon/oxygencredits-backend/pkg/auth"
	"github.com/angelmondragon/oxygencredits-backend/pkg/auth/session"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/security"
)

const (
	invalidCredentialsMessage = "invalid credentials"
	minPasswordLength         = 6
)

// Service is the identity provider surface used by the auth controller.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*SessionResponse, error)
	Login(ctx context.Context, req LoginRequest) (*SessionResponse, error)
	Logout(ctx context.Context, accessID string) error
}

type userRepository interface {
	Create(ctx context.Context, dto users.CreateUserDTO) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

type sessionManager interface {
	Open(ctx context.Context, accessID string, userID uuid.UUID) error
	Revoke(ctx context.Context, accessID string) error
}

// ServiceParams bundles the dependencies required to build an auth service.
// SessionManager is optional; without it tokens cannot be revoked early.
type ServiceParams struct {
	UserRepo       userRepository
	SessionManager sessionManager
	JWTConfig      config.JWTConfig
	PasswordConfig config.PasswordConfig
	Clock          func() time.Time
}

type service struct {
	users   userRepository
	session sessionManager
	jwtCfg  config.JWTConfig
	hasher  *security.Hasher
	now     func() time.Time
}

// NewService constructs the identity service.
func NewService(params ServiceParams) (Service, error) {
	if params.UserRepo == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if strings.TrimSpace(params.JWTConfig.Secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		users:   params.UserRepo,
		session: params.SessionManager,
		jwtCfg:  params.JWTConfig,
		hasher:  security.NewHasher(params.PasswordConfig),
		now:     clock,
	}, nil
}

func (s *service) Register(ctx context.Context, req RegisterRequest) (*SessionResponse, error) {
	email := users.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "a valid email is required")
	}
	if len(req.Password) < minPasswordLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if strings.TrimSpace(req.FullName) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "full_name is required")
	}
	role, err := enums.ParseUserRole(req.Role)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "role must be contributor, company or verifier")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}

	user, err := s.users.Create(ctx, users.CreateUserDTO{
		Email:        email,
		PasswordHash: hash,
		FullName:     req.FullName,
		Role:         role,
	})
	if err != nil {
		if db.IsUniqueViolation(err, "users_email_key") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "email already registered")
		}
		return nil, pkgerrors.Storage(err, "create user")
	}

	return s.issue(ctx, user)
}

func (s *service) Login(ctx context.Context, req LoginRequest) (*SessionResponse, error) {
	user, err := s.authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, pkgerrors.Storage(err, "update last login")
	}
	user.LastLoginAt = &now

	return s.issue(ctx, user)
}

func (s *service) Logout(ctx context.Context, accessID string) error {
	if s.session == nil || strings.TrimSpace(accessID) == "" {
		return nil
	}
	if err := s.session.Revoke(ctx, accessID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke session")
	}
	return nil
}

func (s *service) authenticate(ctx context.Context, email, password string) (*models.User, error) {
	input := users.NormalizeEmail(email)
	if input == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, invalidCredentialsMessage)
	}
	user, err := s.users.FindByEmail(ctx, input)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, invalidCredentialsMessage)
		}
		return nil, pkgerrors.Storage(err, "lookup user")
	}

	valid, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify password")
	}
	if !valid {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, invalidCredentialsMessage)
	}
	return user, nil
}

func (s *service) issue(ctx context.Context, user *models.User) (*SessionResponse, error) {
	accessID := session.NewAccessID()
	token, err := pkgAuth.MintAccessToken(s.jwtCfg, s.now(), pkgAuth.AccessTokenPayload{
		UserID: user.ID,
		Role:   user.Role,
		JTI:    accessID,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint jwt")
	}
	if s.session != nil {
		if err := s.session.Open(ctx, accessID, user.ID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open session")
		}
	}
	return &SessionResponse{
		AccessToken: token,
		ExpiresIn:   s.jwtCfg.ExpirationMinutes * 60,
		User:        users.FromModel(user),
	}, nil
}
