package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/minting"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
)

const (
	SourceVerification   = "verification"
	SourceManual         = "manual"
	SourceReconciliation = "reconciliation"

	maxMintErrorLen = 512
)

// Service issues credits and answers portfolio queries.
type Service interface {
	IssueForClaim(ctx context.Context, tx *gorm.DB, input IssueInput) (*IssueResult, error)
	IssueManually(ctx context.Context, input ManualIssueInput) (*IssueResult, error)
	ListCreditsForUser(ctx context.Context, userID uuid.UUID) (*Portfolio, error)
	GetCredit(ctx context.Context, id uuid.UUID) (*CreditDTO, error)
	MarkMinted(ctx context.Context, creditID uuid.UUID, tokenID string) (bool, error)
	RecordMintFailure(ctx context.Context, creditID uuid.UUID, cause error, terminal bool) (*CreditDTO, error)
	ListClaimsMissingCredits(ctx context.Context, limit int) ([]models.Claim, error)
}

// IssueInput identifies the verified claim to issue for and who triggered it.
type IssueInput struct {
	Claim     *models.Claim
	ActorID   uuid.UUID
	ActorRole enums.UserRole
	Source    string
}

// ManualIssueInput is the verifier-only issuance request.
type ManualIssueInput struct {
	ClaimID   uuid.UUID
	ActorID   uuid.UUID
	ActorRole enums.UserRole
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type userDirectory interface {
	WithTx(tx *gorm.DB) *users.Repository
}

type ServiceParams struct {
	Repo   Repository
	Users  userDirectory
	Ledger ledger.Service
	Outbox outboxPublisher
	TX     txRunner
	Clock  func() time.Time
}

type service struct {
	repo   Repository
	users  userDirectory
	ledger ledger.Service
	outbox outboxPublisher
	tx     txRunner
	now    func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("credits repository required")
	}
	if params.Users == nil {
		return nil, fmt.Errorf("users repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.TX == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &service{
		repo:   params.Repo,
		users:  params.Users,
		ledger: params.Ledger,
		outbox: params.Outbox,
		tx:     params.TX,
		now:    clock,
	}, nil
}

// IssueForClaim writes the credit, the contributor's holding, the issue
// transaction and the outbox events inside tx. A claim can be issued once.
func (s *service) IssueForClaim(ctx context.Context, tx *gorm.DB, input IssueInput) (*IssueResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	claim := input.Claim
	if claim == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "claim is required")
	}
	if claim.Status != enums.ClaimStatusVerified {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "claim is not verified")
	}
	if claim.Credits == nil || *claim.Credits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "verified claim has no credits to issue")
	}
	source := input.Source
	if source == "" {
		source = SourceVerification
	}

	repo := s.repo.WithTx(tx)
	amount := *claim.Credits
	credit := &models.Credit{
		ID:         uuid.New(),
		ClaimID:    claim.ID,
		OwnerID:    claim.ContributorID,
		Amount:     amount,
		NDVIDelta:  claim.NDVIDelta,
		MintStatus: enums.MintStatusPending,
		IssuedAt:   s.now().UTC(),
	}
	if err := repo.CreateCredit(ctx, credit); err != nil {
		if db.IsUniqueViolation(err, "credits_claim_id_key") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "credits already issued for claim")
		}
		return nil, pkgerrors.Storage(err, "create credit")
	}
	if err := repo.CreateHolding(ctx, &models.CreditHolding{
		CreditID:  credit.ID,
		HolderID:  claim.ContributorID,
		Available: amount,
	}); err != nil {
		return nil, pkgerrors.Storage(err, "create credit holding")
	}

	creditID := credit.ID
	claimID := claim.ID
	recorded, err := s.ledger.RecordTransactions(ctx, tx, ledger.RecordTransactionInput{
		UserID:   claim.ContributorID,
		Type:     enums.TransactionIssue,
		ClaimID:  &claimID,
		CreditID: &creditID,
		Quantity: amount,
		Metadata: map[string]any{
			"source":   source,
			"actor_id": input.ActorID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	actor := &outbox.ActorRef{UserID: input.ActorID, Role: string(input.ActorRole)}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditIssued,
		AggregateType: enums.AggregateCredit,
		AggregateID:   credit.ID,
		Actor:         actor,
		Data: payloads.CreditIssuedEvent{
			CreditID: credit.ID,
			ClaimID:  claim.ID,
			OwnerID:  claim.ContributorID,
			Amount:   amount,
		},
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit credit issued")
	}

	mintRequested, err := s.requestMint(ctx, tx, credit, actor)
	if err != nil {
		return nil, err
	}

	result := &IssueResult{
		Credit:        creditFromModel(credit),
		MintRequested: mintRequested,
	}
	if len(recorded) > 0 {
		result.TransactionID = recorded[0].ID
	}
	return result, nil
}

// requestMint queues a mint request when the owner registered a payout wallet.
// Without one the credit stays off-chain and is marked skipped.
func (s *service) requestMint(ctx context.Context, tx *gorm.DB, credit *models.Credit, actor *outbox.ActorRef) (bool, error) {
	owner, err := s.users.WithTx(tx).FindByID(ctx, credit.OwnerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, pkgerrors.Storage(err, "load credit owner")
	}

	var wallet string
	if owner != nil && owner.WalletAddress != nil {
		wallet = strings.TrimSpace(*owner.WalletAddress)
	}
	if !minting.ValidAddress(wallet) {
		if err := s.repo.WithTx(tx).SetMintStatus(ctx, credit.ID, enums.MintStatusSkipped); err != nil {
			return false, pkgerrors.Storage(err, "mark mint skipped")
		}
		credit.MintStatus = enums.MintStatusSkipped
		return false, nil
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditMintRequested,
		AggregateType: enums.AggregateCredit,
		AggregateID:   credit.ID,
		Actor:         actor,
		Data: payloads.CreditMintRequestedEvent{
			CreditID:         credit.ID,
			ClaimID:          credit.ClaimID,
			OwnerID:          credit.OwnerID,
			RecipientAddress: wallet,
			Amount:           credit.Amount,
			MetadataCID:      credit.MetadataCID,
		},
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit mint request")
	}
	return true, nil
}

func (s *service) IssueManually(ctx context.Context, input ManualIssueInput) (*IssueResult, error) {
	if input.ActorRole != enums.RoleVerifier {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only verifiers can issue credits")
	}
	if input.ClaimID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "claim_id is required")
	}

	var result *IssueResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		claim, err := s.repo.WithTx(tx).FindClaim(ctx, input.ClaimID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "claim not found")
			}
			return pkgerrors.Storage(err, "load claim")
		}
		issued, err := s.IssueForClaim(ctx, tx, IssueInput{
			Claim:     claim,
			ActorID:   input.ActorID,
			ActorRole: input.ActorRole,
			Source:    SourceManual,
		})
		if err != nil {
			return err
		}
		result = issued
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) ListCreditsForUser(ctx context.Context, userID uuid.UUID) (*Portfolio, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	rows, err := s.repo.ListHoldingsByHolder(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Storage(err, "list credit holdings")
	}
	portfolio := &Portfolio{UserID: userID, Credits: make([]HoldingDTO, 0, len(rows))}
	for _, row := range rows {
		holding := holdingFromRow(userID, row)
		portfolio.Credits = append(portfolio.Credits, holding)
		portfolio.Total += holding.Held
	}
	return portfolio, nil
}

func (s *service) GetCredit(ctx context.Context, id uuid.UUID) (*CreditDTO, error) {
	credit, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "credit not found")
		}
		return nil, pkgerrors.Storage(err, "load credit")
	}
	dto := creditFromModel(credit)
	return &dto, nil
}

func (s *service) MarkMinted(ctx context.Context, creditID uuid.UUID, tokenID string) (bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "token id is required")
	}
	updated, err := s.repo.MarkMinted(ctx, creditID, tokenID, s.now().UTC())
	if err != nil {
		return false, pkgerrors.Storage(err, "mark credit minted")
	}
	return updated, nil
}

// RecordMintFailure bumps the attempt counter. Terminal failures move the
// credit to failed; retryable ones keep it pending for redelivery.
func (s *service) RecordMintFailure(ctx context.Context, creditID uuid.UUID, cause error, terminal bool) (*CreditDTO, error) {
	message := "mint failed"
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > maxMintErrorLen {
		message = message[:maxMintErrorLen]
	}
	status := enums.MintStatusPending
	if terminal {
		status = enums.MintStatusFailed
	}
	if _, err := s.repo.RecordMintFailure(ctx, creditID, message, status); err != nil {
		return nil, pkgerrors.Storage(err, "record mint failure")
	}
	return s.GetCredit(ctx, creditID)
}

func (s *service) ListClaimsMissingCredits(ctx context.Context, limit int) ([]models.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	claims, err := s.repo.ListClaimsMissingCredits(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Storage(err, "list claims missing credits")
	}
	return claims, nil
}
