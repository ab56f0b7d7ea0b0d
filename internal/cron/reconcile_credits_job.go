package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

const (
	defaultReconcileBatch = 100
	// reviewLogGrace leaves in-flight verifications time to write their own
	// log entry before the job backfills it.
	reviewLogGrace = 10 * time.Minute
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type creditIssuer interface {
	ListClaimsMissingCredits(ctx context.Context, limit int) ([]models.Claim, error)
	IssueForClaim(ctx context.Context, tx *gorm.DB, input credits.IssueInput) (*credits.IssueResult, error)
}

type ReconcileCreditsJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Credits   creditIssuer
	Ledger    ledger.Service
	BatchSize int
	Now       func() time.Time
}

// NewReconcileCreditsJob repairs verifications whose secondary writes failed:
// verified claims with credits but no credit row get their credit issued and,
// when missing, their approval entry in the verifier log. Any other decided
// claim without a verifier log entry gets one matching its status.
func NewReconcileCreditsJob(params ReconcileCreditsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Credits == nil {
		return nil, errors.New("credit service required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &reconcileCreditsJob{
		logg:    params.Logger,
		db:      params.DB,
		credits: params.Credits,
		ledger:  params.Ledger,
		batch:   batch,
		now:     now,
	}, nil
}

type reconcileCreditsJob struct {
	logg    *logger.Logger
	db      txRunner
	credits creditIssuer
	ledger  ledger.Service
	batch   int
	now     func() time.Time
}

func (j *reconcileCreditsJob) Name() string { return "reconcile-credits" }

func (j *reconcileCreditsJob) Run(ctx context.Context) error {
	claims, err := j.credits.ListClaimsMissingCredits(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("list claims missing credits: %w", err)
	}

	var (
		errs     error
		repaired int
		skipped  int
	)
	for i := range claims {
		claim := &claims[i]
		err := j.repair(ctx, claim)
		switch {
		case err == nil:
			repaired++
		case pkgerrors.IsCode(err, pkgerrors.CodeConflict):
			// issued concurrently by a verifier or another replica
			skipped++
		default:
			errs = multierr.Append(errs, fmt.Errorf("claim %s: %w", claim.ID, err))
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(claims),
		"repaired":   repaired,
		"skipped":    skipped,
		"failed":     len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "credit reconciliation complete")

	return multierr.Append(errs, j.backfillReviewLogs(ctx))
}

func (j *reconcileCreditsJob) backfillReviewLogs(ctx context.Context) error {
	claims, err := j.ledger.ListUnloggedReviews(ctx, j.now().Add(-reviewLogGrace), j.batch)
	if err != nil {
		return fmt.Errorf("list unlogged reviews: %w", err)
	}

	var (
		errs    error
		written int
	)
	for i := range claims {
		claim := &claims[i]
		action := enums.VerifierActionReject
		if claim.Status == enums.ClaimStatusVerified {
			action = enums.VerifierActionApprove
		}
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			_, err := j.ledger.RecordVerifierAction(ctx, tx, ledger.RecordVerifierActionInput{
				ClaimID:    claim.ID,
				VerifierID: *claim.VerifiedBy,
				Action:     action,
				Comment:    claim.VerifierNote,
			})
			return err
		})
		switch {
		case err == nil:
			written++
		case pkgerrors.IsCode(err, pkgerrors.CodeConflict):
			// logged by the verifier after the listing
		default:
			errs = multierr.Append(errs, fmt.Errorf("claim %s: %w", claim.ID, err))
		}
	}

	if len(claims) > 0 {
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"candidates": len(claims),
			"written":    written,
		})
		j.logg.Info(logCtx, "verifier log backfill complete")
	}
	return errs
}

func (j *reconcileCreditsJob) repair(ctx context.Context, claim *models.Claim) error {
	logged, err := j.ledger.HasVerifierAction(ctx, claim.ID)
	if err != nil {
		return err
	}
	verifier := uuid.Nil
	if claim.VerifiedBy != nil {
		verifier = *claim.VerifiedBy
	}

	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		if !logged && verifier != uuid.Nil {
			if _, err := j.ledger.RecordVerifierAction(ctx, tx, ledger.RecordVerifierActionInput{
				ClaimID:    claim.ID,
				VerifierID: verifier,
				Action:     enums.VerifierActionApprove,
				Comment:    claim.VerifierNote,
			}); err != nil {
				return err
			}
		}
		_, err := j.credits.IssueForClaim(ctx, tx, credits.IssueInput{
			Claim:     claim,
			ActorID:   verifier,
			ActorRole: enums.RoleVerifier,
			Source:    credits.SourceReconciliation,
		})
		return err
	})
}
