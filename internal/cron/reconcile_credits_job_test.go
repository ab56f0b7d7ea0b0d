package cron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/internal/users"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/dbtest"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
)

func newReconcileJob(t *testing.T) (*db.Client, Job, ledger.Service) {
	t.Helper()
	client := dbtest.New(t)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(client.DB()))
	require.NoError(t, err)
	creditSvc, err := credits.NewService(credits.ServiceParams{
		Repo:   credits.NewRepository(client.DB()),
		Users:  users.NewRepository(client.DB()),
		Ledger: ledgerSvc,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), nil),
		TX:     client,
	})
	require.NoError(t, err)
	job, err := NewReconcileCreditsJob(ReconcileCreditsJobParams{
		Logger:  logger.Nop(),
		DB:      client,
		Credits: creditSvc,
		Ledger:  ledgerSvc,
	})
	require.NoError(t, err)
	return client, job, ledgerSvc
}

func seedClaim(t *testing.T, client *db.Client, contributor uuid.UUID, status enums.ClaimStatus, amount *int) *models.Claim {
	t.Helper()
	now := time.Now().UTC()
	verifier := dbtest.SeedUser(t, client, enums.RoleVerifier).ID
	claim := &models.Claim{
		ContributorID:      contributor,
		Location:           "North Ridge",
		Polygon:            []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`),
		AnalysisConfidence: enums.AnalysisNone,
		Status:             status,
		Credits:            amount,
	}
	if status != enums.ClaimStatusPending {
		claim.VerifiedBy = &verifier
		claim.VerifiedAt = &now
	}
	require.NoError(t, client.DB().Create(claim).Error)
	return claim
}

func TestReconcileIssuesMissingCredits(t *testing.T) {
	client, job, ledgerSvc := newReconcileJob(t)
	ctx := context.Background()
	contributor := dbtest.SeedUser(t, client, enums.RoleContributor)

	fifty := 50
	missing := seedClaim(t, client, contributor.ID, enums.ClaimStatusVerified, &fifty)
	seedClaim(t, client, contributor.ID, enums.ClaimStatusPending, nil)
	seedClaim(t, client, contributor.ID, enums.ClaimStatusRejected, nil)

	require.NoError(t, job.Run(ctx))

	var issued []models.Credit
	require.NoError(t, client.DB().Find(&issued).Error)
	require.Len(t, issued, 1)
	require.Equal(t, missing.ID, issued[0].ClaimID)
	require.Equal(t, 50, issued[0].Amount)
	require.Equal(t, contributor.ID, issued[0].OwnerID)

	logged, err := ledgerSvc.HasVerifierAction(ctx, missing.ID)
	require.NoError(t, err)
	require.True(t, logged, "missing approval entry is backfilled")

	var issues int64
	require.NoError(t, client.DB().Model(&models.Transaction{}).
		Where("type = ? AND claim_id = ?", enums.TransactionIssue, missing.ID).
		Count(&issues).Error)
	require.EqualValues(t, 1, issues)

	require.NoError(t, job.Run(ctx), "second run finds nothing to repair")
	var count int64
	require.NoError(t, client.DB().Model(&models.Credit{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestReconcileKeepsExistingVerifierLog(t *testing.T) {
	client, job, ledgerSvc := newReconcileJob(t)
	ctx := context.Background()
	contributor := dbtest.SeedUser(t, client, enums.RoleContributor)

	ten := 10
	claim := seedClaim(t, client, contributor.ID, enums.ClaimStatusVerified, &ten)
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := ledgerSvc.RecordVerifierAction(ctx, tx, ledger.RecordVerifierActionInput{
			ClaimID:    claim.ID,
			VerifierID: *claim.VerifiedBy,
			Action:     enums.VerifierActionApprove,
		})
		return err
	}))

	require.NoError(t, job.Run(ctx))

	var logs int64
	require.NoError(t, client.DB().Model(&models.VerifierLog{}).Where("claim_id = ?", claim.ID).Count(&logs).Error)
	require.EqualValues(t, 1, logs)
	var credit models.Credit
	require.NoError(t, client.DB().Where("claim_id = ?", claim.ID).First(&credit).Error)
	require.Equal(t, 10, credit.Amount)
}

func TestReconcileBackfillsMissingReviewLogs(t *testing.T) {
	client, job, _ := newReconcileJob(t)
	ctx := context.Background()
	contributor := dbtest.SeedUser(t, client, enums.RoleContributor)

	rejected := seedClaim(t, client, contributor.ID, enums.ClaimStatusRejected, nil)
	noAmount := seedClaim(t, client, contributor.ID, enums.ClaimStatusVerified, nil)
	recent := seedClaim(t, client, contributor.ID, enums.ClaimStatusRejected, nil)
	hourAgo := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, client.DB().Model(&models.Claim{}).
		Where("id IN ?", []uuid.UUID{rejected.ID, noAmount.ID}).
		Update("verified_at", hourAgo).Error)

	require.NoError(t, job.Run(ctx))

	actionFor := func(claimID uuid.UUID) enums.VerifierAction {
		var entry models.VerifierLog
		require.NoError(t, client.DB().Where("claim_id = ?", claimID).First(&entry).Error)
		return entry.Action
	}
	require.Equal(t, enums.VerifierActionReject, actionFor(rejected.ID))
	require.Equal(t, enums.VerifierActionApprove, actionFor(noAmount.ID))

	var recentLogs int64
	require.NoError(t, client.DB().Model(&models.VerifierLog{}).Where("claim_id = ?", recent.ID).Count(&recentLogs).Error)
	require.Zero(t, recentLogs, "fresh decisions are left to the verifier")

	var creditRows int64
	require.NoError(t, client.DB().Model(&models.Credit{}).Count(&creditRows).Error)
	require.Zero(t, creditRows)

	require.NoError(t, job.Run(ctx), "second run finds nothing to backfill")
	var logs int64
	require.NoError(t, client.DB().Model(&models.VerifierLog{}).Count(&logs).Error)
	require.EqualValues(t, 2, logs)
}

func TestNewReconcileCreditsJobRequiresDependencies(t *testing.T) {
	_, err := NewReconcileCreditsJob(ReconcileCreditsJobParams{Logger: logger.Nop()})
	require.Error(t, err)
}
