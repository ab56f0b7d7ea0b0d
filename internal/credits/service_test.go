package credits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/dbtest"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
)

const testWallet = "0x1111111111111111111111111111111111111111"

type fixture struct {
	client *db.Client
	svc    Service
	repo   Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	client := dbtest.New(t)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(client.DB()))
	require.NoError(t, err)
	repo := NewRepository(client.DB())
	svc, err := NewService(ServiceParams{
		Repo:   repo,
		Users:  users.NewRepository(client.DB()),
		Ledger: ledgerSvc,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), nil),
		TX:     client,
	})
	require.NoError(t, err)
	return fixture{client: client, svc: svc, repo: repo}
}

func seedVerifiedClaim(t *testing.T, client *db.Client, contributor uuid.UUID, credits int) *models.Claim {
	t.Helper()
	now := time.Now().UTC()
	verifier := uuid.New()
	claim := &models.Claim{
		ContributorID:      contributor,
		Location:           "Test Field",
		Polygon:            []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`),
		AnalysisConfidence: enums.AnalysisNone,
		Status:             enums.ClaimStatusVerified,
		Credits:            &credits,
		VerifiedBy:         &verifier,
		VerifiedAt:         &now,
	}
	require.NoError(t, client.DB().Create(claim).Error)
	return claim
}

func issue(t *testing.T, f fixture, claim *models.Claim) (*IssueResult, error) {
	t.Helper()
	var result *IssueResult
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		result, err = f.svc.IssueForClaim(context.Background(), tx, IssueInput{
			Claim:     claim,
			ActorID:   uuid.New(),
			ActorRole: enums.RoleVerifier,
		})
		return err
	})
	return result, err
}

func countOutbox(t *testing.T, client *db.Client, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestIssueForClaimWithWalletRequestsMint(t *testing.T) {
	f := newFixture(t)
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	require.NoError(t, f.client.DB().Model(contributor).Update("wallet_address", testWallet).Error)
	claim := seedVerifiedClaim(t, f.client, contributor.ID, 100)

	result, err := issue(t, f, claim)
	require.NoError(t, err)
	require.True(t, result.MintRequested)
	require.Equal(t, 100, result.Credit.Amount)
	require.Equal(t, contributor.ID, result.Credit.OwnerID)
	require.Equal(t, enums.MintStatusPending, result.Credit.MintStatus)

	holding, err := f.repo.FindHolding(context.Background(), result.Credit.ID, contributor.ID)
	require.NoError(t, err)
	require.Equal(t, 100, holding.Available)
	require.Zero(t, holding.Listed)

	var txCount int64
	require.NoError(t, f.client.DB().Model(&models.Transaction{}).
		Where("user_id = ? AND type = ?", contributor.ID, enums.TransactionIssue).Count(&txCount).Error)
	require.EqualValues(t, 1, txCount)
	require.EqualValues(t, 1, countOutbox(t, f.client, enums.EventCreditIssued))
	require.EqualValues(t, 1, countOutbox(t, f.client, enums.EventCreditMintRequested))
}

func TestIssueForClaimWithoutWalletSkipsMint(t *testing.T) {
	f := newFixture(t)
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	claim := seedVerifiedClaim(t, f.client, contributor.ID, 25)

	result, err := issue(t, f, claim)
	require.NoError(t, err)
	require.False(t, result.MintRequested)

	credit, err := f.svc.GetCredit(context.Background(), result.Credit.ID)
	require.NoError(t, err)
	require.Equal(t, enums.MintStatusSkipped, credit.MintStatus)
	require.Zero(t, countOutbox(t, f.client, enums.EventCreditMintRequested))
}

func TestIssueForClaimIsIdempotentPerClaim(t *testing.T) {
	f := newFixture(t)
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	claim := seedVerifiedClaim(t, f.client, contributor.ID, 10)

	_, err := issue(t, f, claim)
	require.NoError(t, err)

	_, err = issue(t, f, claim)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	var credits int64
	require.NoError(t, f.client.DB().Model(&models.Credit{}).Where("claim_id = ?", claim.ID).Count(&credits).Error)
	require.EqualValues(t, 1, credits)
}

func TestIssueForClaimRejectsUnverifiedClaims(t *testing.T) {
	f := newFixture(t)
	claim := &models.Claim{ID: uuid.New(), ContributorID: uuid.New(), Status: enums.ClaimStatusPending}

	_, err := issue(t, f, claim)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	claim.Status = enums.ClaimStatusVerified
	_, err = issue(t, f, claim)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestIssueManually(t *testing.T) {
	f := newFixture(t)
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	verifier := dbtest.SeedUser(t, f.client, enums.RoleVerifier)
	claim := seedVerifiedClaim(t, f.client, contributor.ID, 40)

	_, err := f.svc.IssueManually(context.Background(), ManualIssueInput{
		ClaimID: claim.ID, ActorID: contributor.ID, ActorRole: enums.RoleContributor,
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden), "got %v", err)

	_, err = f.svc.IssueManually(context.Background(), ManualIssueInput{
		ClaimID: uuid.New(), ActorID: verifier.ID, ActorRole: enums.RoleVerifier,
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	result, err := f.svc.IssueManually(context.Background(), ManualIssueInput{
		ClaimID: claim.ID, ActorID: verifier.ID, ActorRole: enums.RoleVerifier,
	})
	require.NoError(t, err)
	require.Equal(t, 40, result.Credit.Amount)

	missing, err := f.svc.ListClaimsMissingCredits(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestListCreditsForUserSumsHeldUnits(t *testing.T) {
	f := newFixture(t)
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)

	first, err := issue(t, f, seedVerifiedClaim(t, f.client, contributor.ID, 100))
	require.NoError(t, err)
	_, err = issue(t, f, seedVerifiedClaim(t, f.client, contributor.ID, 30))
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := f.repo.ReserveUnits(ctx, first.Credit.ID, contributor.ID, 40)
	require.NoError(t, err)
	require.True(t, ok)

	portfolio, err := f.svc.ListCreditsForUser(ctx, contributor.ID)
	require.NoError(t, err)
	require.Len(t, portfolio.Credits, 2)
	require.Equal(t, 130, portfolio.Total)

	ok, err = f.repo.TransferListedUnits(ctx, first.Credit.ID, contributor.ID, buyer.ID, 40)
	require.NoError(t, err)
	require.True(t, ok)

	portfolio, err = f.svc.ListCreditsForUser(ctx, contributor.ID)
	require.NoError(t, err)
	require.Equal(t, 90, portfolio.Total)

	bought, err := f.svc.ListCreditsForUser(ctx, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, 40, bought.Total)
	require.Len(t, bought.Credits, 1)
	require.False(t, bought.Credits[0].IsOwner)
	require.Equal(t, 40, bought.Credits[0].Available)
}

func TestHoldingReservationGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	result, err := issue(t, f, seedVerifiedClaim(t, f.client, seller.ID, 10))
	require.NoError(t, err)
	creditID := result.Credit.ID

	ok, err := f.repo.ReserveUnits(ctx, creditID, seller.ID, 11)
	require.NoError(t, err)
	require.False(t, ok, "reservation above available must fail")

	ok, err = f.repo.ReserveUnits(ctx, creditID, seller.ID, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.repo.TransferListedUnits(ctx, creditID, seller.ID, buyer.ID, 4)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.repo.TransferListedUnits(ctx, creditID, seller.ID, buyer.ID, 4)
	require.NoError(t, err)
	require.True(t, ok)

	moved, err := f.repo.ReassignOwnerIfWhole(ctx, creditID, buyer.ID)
	require.NoError(t, err)
	require.False(t, moved, "buyer holds 8 of 10")

	ok, err = f.repo.TransferListedUnits(ctx, creditID, seller.ID, buyer.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)

	moved, err = f.repo.ReassignOwnerIfWhole(ctx, creditID, buyer.ID)
	require.NoError(t, err)
	require.True(t, moved)

	ok, err = f.repo.ReleaseUnits(ctx, creditID, seller.ID, 1)
	require.NoError(t, err)
	require.False(t, ok, "seller has nothing listed")

	holding, err := f.repo.FindHolding(ctx, creditID, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, 10, holding.Total())
}

func TestMintBookkeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	result, err := issue(t, f, seedVerifiedClaim(t, f.client, contributor.ID, 5))
	require.NoError(t, err)
	creditID := result.Credit.ID

	credit, err := f.svc.RecordMintFailure(ctx, creditID, errors.New("gateway 503"), false)
	require.NoError(t, err)
	require.Equal(t, enums.MintStatusPending, credit.MintStatus)
	require.Equal(t, 1, credit.MintAttempts)

	updated, err := f.svc.MarkMinted(ctx, creditID, "token-42")
	require.NoError(t, err)
	require.True(t, updated)

	updated, err = f.svc.MarkMinted(ctx, creditID, "token-43")
	require.NoError(t, err)
	require.False(t, updated, "second mint must not overwrite the token")

	credit, err = f.svc.GetCredit(ctx, creditID)
	require.NoError(t, err)
	require.Equal(t, enums.MintStatusMinted, credit.MintStatus)
	require.Equal(t, "token-42", *credit.TokenID)
	require.NotNil(t, credit.MintedAt)

	_, err = f.svc.MarkMinted(ctx, creditID, " ")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.GetCredit(ctx, uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestListClaimsMissingCredits(t *testing.T) {
	f := newFixture(t)
	contributor := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	orphan := seedVerifiedClaim(t, f.client, contributor.ID, 12)
	issued := seedVerifiedClaim(t, f.client, contributor.ID, 8)
	_, err := issue(t, f, issued)
	require.NoError(t, err)

	missing, err := f.svc.ListClaimsMissingCredits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, orphan.ID, missing[0].ID)
}
