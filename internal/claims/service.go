package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/geospatial"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
	"github.com/angelmondragon/oxygencredits-backend/pkg/vegetation"
)

const (
	defaultDailyQuota = 10

	WarningAnalysisDegraded = "vegetation analysis unavailable; claim stored with degraded confidence"
	WarningVerifierLog      = "claim reviewed but the verifier log could not be written"
	WarningCreditIssuance   = "claim verified but credit issuance failed; it will be retried by reconciliation"
)

// Service is the claim lifecycle engine.
type Service interface {
	SubmitClaim(ctx context.Context, input SubmitClaimInput) (*SubmitResult, error)
	VerifyClaim(ctx context.Context, input VerifyClaimInput) (*VerifyResult, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*ClaimDTO, error)
	ListClaims(ctx context.Context, filter ListFilter, params pagination.Params) (*ClaimPage, error)
	AppendEvidence(ctx context.Context, input AppendEvidenceInput) (*ClaimDTO, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type creditIssuer interface {
	IssueForClaim(ctx context.Context, tx *gorm.DB, input credits.IssueInput) (*credits.IssueResult, error)
}

type ServiceParams struct {
	Repo     Repository
	Credits  creditIssuer
	Ledger   ledger.Service
	Outbox   outboxPublisher
	TX       txRunner
	Analyzer vegetation.Analyzer
	Metrics  *metrics.DomainMetrics
	Logger   *logger.Logger

	DailyQuota    int
	QuotaLocation *time.Location
	Clock         func() time.Time
}

type service struct {
	repo     Repository
	credits  creditIssuer
	ledger   ledger.Service
	outbox   outboxPublisher
	tx       txRunner
	analyzer vegetation.Analyzer
	metrics  *metrics.DomainMetrics
	logg     *logger.Logger
	quota    int
	location *time.Location
	now      func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("claims repository required")
	}
	if params.Credits == nil {
		return nil, fmt.Errorf("credit issuer required")
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
	quota := params.DailyQuota
	if quota <= 0 {
		quota = defaultDailyQuota
	}
	loc := params.QuotaLocation
	if loc == nil {
		loc = time.UTC
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{
		repo:     params.Repo,
		credits:  params.Credits,
		ledger:   params.Ledger,
		outbox:   params.Outbox,
		tx:       params.TX,
		analyzer: params.Analyzer,
		metrics:  params.Metrics,
		logg:     logg,
		quota:    quota,
		location: loc,
		now:      clock,
	}, nil
}

func (s *service) SubmitClaim(ctx context.Context, input SubmitClaimInput) (*SubmitResult, error) {
	if input.ContributorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "contributor is required")
	}
	location := strings.TrimSpace(input.Location)
	if location == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "location is required")
	}
	if len(location) > maxLocationLen {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("location must be at most %d characters", maxLocationLen))
	}
	parcel, err := geospatial.ParsePolygon(input.Polygon)
	if err != nil {
		return nil, err
	}
	if input.AreaHectares != nil && (*input.AreaHectares <= 0 || math.IsNaN(*input.AreaHectares) || math.IsInf(*input.AreaHectares, 0)) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "area_hectares must be a positive number")
	}
	if len(input.Evidence) > maxEvidenceFiles {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("at most %d evidence files per claim", maxEvidenceFiles))
	}
	if err := validateEvidence(input.Evidence); err != nil {
		return nil, err
	}

	now := s.now()
	used, err := s.repo.CountSince(ctx, input.ContributorID, s.startOfDay(now))
	if err != nil {
		return nil, pkgerrors.Storage(err, "count claims submitted today")
	}
	if int(used) >= s.quota {
		return nil, pkgerrors.New(pkgerrors.CodeRateLimit, fmt.Sprintf("rate limit exceeded: maximum %d claims per day", s.quota)).
			WithDetails(map[string]any{"used": used, "quota": s.quota})
	}

	polygon, err := parcel.GeoJSON()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode polygon")
	}
	claim := &models.Claim{
		ID:                 uuid.New(),
		ContributorID:      input.ContributorID,
		Location:           location,
		Polygon:            polygon,
		AreaHectares:       input.AreaHectares,
		Status:             enums.ClaimStatusPending,
		AnalysisConfidence: enums.AnalysisNone,
	}
	if claim.AreaHectares == nil {
		area := parcel.AreaHectares()
		claim.AreaHectares = &area
	}

	var warnings []string
	if warning := s.applyVegetation(ctx, claim, parcel, input.Vegetation, now); warning != "" {
		warnings = append(warnings, warning)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, claim); err != nil {
			return pkgerrors.Storage(err, "create claim")
		}
		if len(input.Evidence) > 0 {
			if err := s.repo.WithTx(tx).CreateEvidence(ctx, evidenceRows(claim.ID, input.ContributorID, input.Evidence)); err != nil {
				return pkgerrors.Storage(err, "create claim evidence")
			}
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventClaimSubmitted,
			AggregateType: enums.AggregateClaim,
			AggregateID:   claim.ID,
			Actor:         &outbox.ActorRef{UserID: input.ContributorID, Role: string(input.Role)},
			Data: payloads.ClaimSubmittedEvent{
				ClaimID:            claim.ID,
				ContributorID:      claim.ContributorID,
				Location:           claim.Location,
				AnalysisConfidence: claim.AnalysisConfidence,
			},
		})
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "submit claim")
	}

	s.metrics.ClaimSubmitted(string(claim.AnalysisConfidence))
	used++
	if int(used)*10 >= s.quota*9 {
		warnings = append(warnings, fmt.Sprintf("Warning: %d/%d daily claims used", used, s.quota))
	}

	stored, err := s.loadClaim(ctx, claim.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Claim: *stored, Warnings: warnings}, nil
}

// applyVegetation copies caller-supplied analysis onto the claim, or runs the
// analyzer before the insert. A failed analysis downgrades confidence and
// returns a warning instead of failing the submission.
func (s *service) applyVegetation(ctx context.Context, claim *models.Claim, parcel *geospatial.Parcel, data *VegetationData, now time.Time) string {
	if !data.empty() {
		claim.NDVIBefore = data.NDVIBefore
		claim.NDVIAfter = data.NDVIAfter
		claim.NDVIDelta = data.NDVIDelta
		claim.BeforeImageRef = data.BeforeImageRef
		claim.AfterImageRef = data.AfterImageRef
		claim.AnalysisConfidence = enums.AnalysisNormal
		return ""
	}
	if s.analyzer == nil {
		return ""
	}

	before, after := s.analyzer.DefaultWindows(now)
	result, err := s.analyzer.Analyze(ctx, parcel.Coordinates(), before, after)
	if err != nil || result == nil || result.Confidence != enums.AnalysisNormal {
		claim.AnalysisConfidence = enums.AnalysisDegraded
		logCtx := s.logg.WithFields(ctx, map[string]any{"claim_id": claim.ID.String(), "contributor_id": claim.ContributorID.String()})
		s.logg.Warn(logCtx, fmt.Sprintf("vegetation analysis degraded: %v", err))
		return WarningAnalysisDegraded
	}

	delta := result.Delta
	claim.NDVIDelta = &delta
	claim.AnalysisConfidence = enums.AnalysisNormal
	if raw, err := json.Marshal(result.Before); err == nil {
		claim.NDVIBefore = raw
	}
	if raw, err := json.Marshal(result.After); err == nil {
		claim.NDVIAfter = raw
	}
	if result.BeforeImageRef != "" {
		ref := result.BeforeImageRef
		claim.BeforeImageRef = &ref
	}
	if result.AfterImageRef != "" {
		ref := result.AfterImageRef
		claim.AfterImageRef = &ref
	}
	return ""
}

func (s *service) startOfDay(now time.Time) time.Time {
	local := now.In(s.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
}

// VerifyClaim decides a pending claim. The status transition and its event
// commit first; issuance and the verifier log follow in a second transaction
// whose failure is reported as a warning.
func (s *service) VerifyClaim(ctx context.Context, input VerifyClaimInput) (*VerifyResult, error) {
	if input.VerifierRole != enums.RoleVerifier {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only verifiers can verify claims")
	}
	if input.ClaimID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "claim id is required")
	}
	if input.Approved {
		if input.Credits != nil && *input.Credits <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "credits must be a positive integer when approving")
		}
	} else if input.Credits != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credits must not be set when rejecting")
	}

	review := Review{
		Status:     enums.ClaimStatusRejected,
		VerifiedBy: input.VerifierID,
		VerifiedAt: s.now().UTC(),
		Note:       trimmedOrNil(input.Note),
	}
	eventType := enums.EventClaimRejected
	action := enums.VerifierActionReject
	if input.Approved {
		review.Status = enums.ClaimStatusVerified
		review.Credits = input.Credits
		eventType = enums.EventClaimVerified
		action = enums.VerifierActionApprove
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		updated, err := repo.TransitionFromPending(ctx, input.ClaimID, review)
		if err != nil {
			return pkgerrors.Storage(err, "update claim status")
		}
		if !updated {
			if _, err := repo.FindByID(ctx, input.ClaimID); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return pkgerrors.New(pkgerrors.CodeNotFound, "claim not found")
				}
				return pkgerrors.Storage(err, "load claim")
			}
			return pkgerrors.New(pkgerrors.CodeConflict, "claim has already been reviewed")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregateClaim,
			AggregateID:   input.ClaimID,
			Actor:         &outbox.ActorRef{UserID: input.VerifierID, Role: string(input.VerifierRole)},
			Data: payloads.ClaimReviewedEvent{
				ClaimID:    input.ClaimID,
				VerifierID: input.VerifierID,
				Status:     review.Status,
				Credits:    review.Credits,
			},
		})
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify claim")
	}
	s.metrics.ClaimReviewed(string(action))

	result := &VerifyResult{}
	if warning, issued := s.recordReviewSideEffects(ctx, input, action); warning != "" {
		result.Warnings = append(result.Warnings, warning)
	} else if issued != nil {
		credit := issued.Credit
		result.Credit = &credit
	}

	stored, err := s.loadClaim(ctx, input.ClaimID)
	if err != nil {
		return nil, err
	}
	result.Claim = *stored
	return result, nil
}

func (s *service) recordReviewSideEffects(ctx context.Context, input VerifyClaimInput, action enums.VerifierAction) (string, *credits.IssueResult) {
	var issued *credits.IssueResult
	operation := metrics.OpVerifierLog
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.ledger.RecordVerifierAction(ctx, tx, ledger.RecordVerifierActionInput{
			ClaimID:    input.ClaimID,
			VerifierID: input.VerifierID,
			Action:     action,
			Comment:    input.Note,
		}); err != nil {
			return err
		}
		// an approval without an amount verifies the claim but issues nothing
		if action != enums.VerifierActionApprove || input.Credits == nil {
			return nil
		}

		operation = metrics.OpCreditIssuance
		claim, err := s.repo.WithTx(tx).FindByID(ctx, input.ClaimID)
		if err != nil {
			return pkgerrors.Storage(err, "reload verified claim")
		}
		issued, err = s.credits.IssueForClaim(ctx, tx, credits.IssueInput{
			Claim:     claim,
			ActorID:   input.VerifierID,
			ActorRole: input.VerifierRole,
			Source:    credits.SourceVerification,
		})
		return err
	})
	if err == nil {
		return "", issued
	}

	s.metrics.SecondaryWriteFailed(operation)
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"claim_id":    input.ClaimID.String(),
		"verifier_id": input.VerifierID.String(),
		"operation":   operation,
	})
	s.logg.Warn(logCtx, fmt.Sprintf("claim review side effects failed: %v", err))
	if operation == metrics.OpCreditIssuance {
		return WarningCreditIssuance, nil
	}
	return WarningVerifierLog, nil
}

func (s *service) GetClaim(ctx context.Context, id uuid.UUID) (*ClaimDTO, error) {
	return s.loadClaim(ctx, id)
}

func (s *service) loadClaim(ctx context.Context, id uuid.UUID) (*ClaimDTO, error) {
	claim, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "claim not found")
		}
		return nil, pkgerrors.Storage(err, "load claim")
	}
	evidence, err := s.repo.ListEvidence(ctx, id)
	if err != nil {
		return nil, pkgerrors.Storage(err, "load claim evidence")
	}
	dto := FromModel(claim)
	for _, row := range evidence {
		dto.Evidence = append(dto.Evidence, evidenceFromModel(row))
	}
	return &dto, nil
}

func (s *service) ListClaims(ctx context.Context, filter ListFilter, params pagination.Params) (*ClaimPage, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid status %q", *filter.Status))
	}
	limit, cursor, err := params.Decode()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.List(ctx, filter, limit, cursor)
	if err != nil {
		return nil, pkgerrors.Storage(err, "list claims")
	}
	page := &ClaimPage{Claims: make([]ClaimDTO, 0, len(rows))}
	for i := range rows {
		page.Claims = append(page.Claims, FromModel(&rows[i]))
	}
	if next != nil {
		page.NextCursor = pagination.EncodeCursor(*next)
	}
	return page, nil
}

// AppendEvidence adds files to a pending claim owned by the caller.
func (s *service) AppendEvidence(ctx context.Context, input AppendEvidenceInput) (*ClaimDTO, error) {
	if len(input.Files) == 0 || len(input.Files) > maxEvidenceFiles {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("between 1 and %d evidence files are required", maxEvidenceFiles))
	}
	if err := validateEvidence(input.Files); err != nil {
		return nil, err
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		claim, err := repo.FindByID(ctx, input.ClaimID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "claim not found")
			}
			return pkgerrors.Storage(err, "load claim")
		}
		if claim.ContributorID != input.UserID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the contributor can add evidence")
		}
		if claim.Status != enums.ClaimStatusPending {
			return pkgerrors.New(pkgerrors.CodeConflict, "evidence can only be added to pending claims")
		}
		existing, err := repo.ListEvidence(ctx, claim.ID)
		if err != nil {
			return pkgerrors.Storage(err, "load claim evidence")
		}
		if len(existing)+len(input.Files) > maxEvidenceFiles {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("a claim can hold at most %d evidence files", maxEvidenceFiles))
		}
		if err := repo.CreateEvidence(ctx, evidenceRows(claim.ID, input.UserID, input.Files)); err != nil {
			return pkgerrors.Storage(err, "append claim evidence")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.loadClaim(ctx, input.ClaimID)
}

func validateEvidence(files []EvidenceFile) error {
	for i, file := range files {
		if strings.TrimSpace(file.Name) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "evidence name is required").
				WithDetails(map[string]any{"index": i})
		}
		if trimmedOrNil(file.CID) == nil && trimmedOrNil(file.URL) == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "evidence needs a cid or url").
				WithDetails(map[string]any{"index": i})
		}
	}
	return nil
}

func evidenceRows(claimID, uploader uuid.UUID, files []EvidenceFile) []models.ClaimEvidence {
	rows := make([]models.ClaimEvidence, 0, len(files))
	for _, file := range files {
		kind := strings.TrimSpace(file.Kind)
		if kind == "" {
			kind = "document"
		}
		rows = append(rows, models.ClaimEvidence{
			ClaimID:    claimID,
			Name:       strings.TrimSpace(file.Name),
			Kind:       kind,
			CID:        trimmedOrNil(file.CID),
			URL:        trimmedOrNil(file.URL),
			UploadedBy: uploader,
		})
	}
	return rows
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
