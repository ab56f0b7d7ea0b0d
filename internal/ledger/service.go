package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
)

// Service records and reads the audit trail.
type Service interface {
	RecordTransactions(ctx context.Context, tx *gorm.DB, inputs ...RecordTransactionInput) ([]models.Transaction, error)
	RecordVerifierAction(ctx context.Context, tx *gorm.DB, input RecordVerifierActionInput) (*models.VerifierLog, error)
	HasVerifierAction(ctx context.Context, claimID uuid.UUID) (bool, error)
	ListUnloggedReviews(ctx context.Context, reviewedBefore time.Time, limit int) ([]models.Claim, error)
	ListTransactionsForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*TransactionPage, error)
}

type service struct {
	repo Repository
}

// RecordTransactionInput captures one immutable ledger row.
type RecordTransactionInput struct {
	UserID         uuid.UUID
	Type           enums.TransactionType
	ClaimID        *uuid.UUID
	CreditID       *uuid.UUID
	ListingID      *uuid.UUID
	CounterpartyID *uuid.UUID
	Quantity       int
	UnitPrice      *decimal.Decimal
	Metadata       map[string]any
}

// RecordVerifierActionInput captures a single review decision.
type RecordVerifierActionInput struct {
	ClaimID    uuid.UUID
	VerifierID uuid.UUID
	Action     enums.VerifierAction
	Comment    *string
}

// TransactionDTO is the history row returned to the caller.
type TransactionDTO struct {
	ID             uuid.UUID             `json:"id"`
	Type           enums.TransactionType `json:"type"`
	ClaimID        *uuid.UUID            `json:"claim_id,omitempty"`
	CreditID       *uuid.UUID            `json:"credit_id,omitempty"`
	ListingID      *uuid.UUID            `json:"listing_id,omitempty"`
	CounterpartyID *uuid.UUID            `json:"counterparty_id,omitempty"`
	Quantity       int                   `json:"quantity"`
	UnitPrice      *decimal.Decimal      `json:"unit_price,omitempty"`
	Total          *decimal.Decimal      `json:"total,omitempty"`
	Metadata       json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt      string                `json:"created_at"`
}

// TransactionPage is one page of a user's history.
type TransactionPage struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor,omitempty"`
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) RecordTransactions(ctx context.Context, tx *gorm.DB, inputs ...RecordTransactionInput) ([]models.Transaction, error) {
	rows := make([]*models.Transaction, 0, len(inputs))
	for _, input := range inputs {
		row, err := buildTransaction(input)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := s.repo.WithTx(tx).CreateTransactions(ctx, rows...); err != nil {
		return nil, pkgerrors.Storage(err, "record transactions")
	}
	out := make([]models.Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func buildTransaction(input RecordTransactionInput) (*models.Transaction, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction user id is required")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", input.Type))
	}
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction quantity must be positive")
	}

	row := &models.Transaction{
		UserID:         input.UserID,
		Type:           input.Type,
		ClaimID:        input.ClaimID,
		CreditID:       input.CreditID,
		ListingID:      input.ListingID,
		CounterpartyID: input.CounterpartyID,
		Quantity:       input.Quantity,
	}
	if input.UnitPrice != nil {
		price := input.UnitPrice.Round(2)
		total := price.Mul(decimal.NewFromInt(int64(input.Quantity))).Round(2)
		row.UnitPrice = &price
		row.Total = &total
	}
	if len(input.Metadata) > 0 {
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode transaction metadata")
		}
		row.Metadata = raw
	}
	return row, nil
}

func (s *service) RecordVerifierAction(ctx context.Context, tx *gorm.DB, input RecordVerifierActionInput) (*models.VerifierLog, error) {
	if input.ClaimID == uuid.Nil || input.VerifierID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "claim id and verifier id are required")
	}
	if !input.Action.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid verifier action %q", input.Action))
	}
	entry := &models.VerifierLog{
		ClaimID:    input.ClaimID,
		VerifierID: input.VerifierID,
		Action:     input.Action,
		Comment:    trimmedOrNil(input.Comment),
	}
	if err := s.repo.WithTx(tx).CreateVerifierLog(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "verifier_logs_claim_id_key") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "claim already has a verifier action")
		}
		return nil, pkgerrors.Storage(err, "record verifier action")
	}
	return entry, nil
}

func (s *service) HasVerifierAction(ctx context.Context, claimID uuid.UUID) (bool, error) {
	if claimID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "claim id is required")
	}
	if _, err := s.repo.FindVerifierLog(ctx, claimID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, pkgerrors.Storage(err, "load verifier log")
	}
	return true, nil
}

func (s *service) ListUnloggedReviews(ctx context.Context, reviewedBefore time.Time, limit int) ([]models.Claim, error) {
	if limit <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "limit must be positive")
	}
	claims, err := s.repo.ListUnloggedReviews(ctx, reviewedBefore, limit)
	if err != nil {
		return nil, pkgerrors.Storage(err, "list unlogged reviews")
	}
	return claims, nil
}

func (s *service) ListTransactionsForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*TransactionPage, error) {
	limit, cursor, err := params.Decode()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.ListTransactionsByUser(ctx, userID, limit, cursor)
	if err != nil {
		return nil, pkgerrors.Storage(err, "list transactions")
	}

	page := &TransactionPage{Transactions: make([]TransactionDTO, 0, len(rows))}
	for _, row := range rows {
		page.Transactions = append(page.Transactions, TransactionDTO{
			ID:             row.ID,
			Type:           row.Type,
			ClaimID:        row.ClaimID,
			CreditID:       row.CreditID,
			ListingID:      row.ListingID,
			CounterpartyID: row.CounterpartyID,
			Quantity:       row.Quantity,
			UnitPrice:      row.UnitPrice,
			Total:          row.Total,
			Metadata:       row.Metadata,
			CreatedAt:      row.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	if next != nil {
		page.NextCursor = pagination.EncodeCursor(*next)
	}
	return page, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
