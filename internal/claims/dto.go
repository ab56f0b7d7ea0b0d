package claims

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

const (
	maxEvidenceFiles = 10
	maxLocationLen   = 200
)

// VegetationData is analysis the caller already ran for the parcel.
type VegetationData struct {
	NDVIBefore     json.RawMessage `json:"ndvi_before,omitempty"`
	NDVIAfter      json.RawMessage `json:"ndvi_after,omitempty"`
	NDVIDelta      *float64        `json:"ndvi_delta,omitempty"`
	BeforeImageRef *string         `json:"before_image_ref,omitempty"`
	AfterImageRef  *string         `json:"after_image_ref,omitempty"`
}

func (v *VegetationData) empty() bool {
	return v == nil || (v.NDVIDelta == nil && len(v.NDVIBefore) == 0 && len(v.NDVIAfter) == 0)
}

// EvidenceFile references a supporting document stored elsewhere.
type EvidenceFile struct {
	Name string  `json:"name" validate:"required,max=255"`
	Kind string  `json:"kind" validate:"omitempty,max=64"`
	CID  *string `json:"cid,omitempty" validate:"omitempty,max=255"`
	URL  *string `json:"url,omitempty" validate:"omitempty,url"`
}

type SubmitClaimInput struct {
	ContributorID uuid.UUID
	Role          enums.UserRole
	Location      string
	Polygon       json.RawMessage
	AreaHectares  *float64
	Vegetation    *VegetationData
	Evidence      []EvidenceFile
}

type VerifyClaimInput struct {
	ClaimID      uuid.UUID
	VerifierID   uuid.UUID
	VerifierRole enums.UserRole
	Approved     bool
	Credits      *int
	Note         *string
}

type AppendEvidenceInput struct {
	ClaimID uuid.UUID
	UserID  uuid.UUID
	Files   []EvidenceFile
}

// ListFilter narrows GET /claims.
type ListFilter struct {
	ContributorID *uuid.UUID
	Status        *enums.ClaimStatus
}

type EvidenceDTO struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	CID        *string   `json:"cid,omitempty"`
	URL        *string   `json:"url,omitempty"`
	UploadedBy uuid.UUID `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type ClaimDTO struct {
	ID                 uuid.UUID                `json:"id"`
	ContributorID      uuid.UUID                `json:"contributor_id"`
	Location           string                   `json:"location"`
	Polygon            json.RawMessage          `json:"polygon"`
	AreaHectares       *float64                 `json:"area_hectares,omitempty"`
	NDVIBefore         json.RawMessage          `json:"ndvi_before,omitempty"`
	NDVIAfter          json.RawMessage          `json:"ndvi_after,omitempty"`
	NDVIDelta          *float64                 `json:"ndvi_delta,omitempty"`
	AnalysisConfidence enums.AnalysisConfidence `json:"analysis_confidence"`
	BeforeImageRef     *string                  `json:"before_image_ref,omitempty"`
	AfterImageRef      *string                  `json:"after_image_ref,omitempty"`
	Status             enums.ClaimStatus        `json:"status"`
	Credits            *int                     `json:"credits,omitempty"`
	VerifiedBy         *uuid.UUID               `json:"verified_by,omitempty"`
	VerifiedAt         *time.Time               `json:"verified_at,omitempty"`
	VerifierNote       *string                  `json:"verifier_note,omitempty"`
	Evidence           []EvidenceDTO            `json:"evidence,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// SubmitResult carries the stored claim and any non-fatal warnings.
type SubmitResult struct {
	Claim    ClaimDTO `json:"claim"`
	Warnings []string `json:"-"`
}

// VerifyResult is the claim re-read after the decision.
type VerifyResult struct {
	Claim    ClaimDTO           `json:"claim"`
	Credit   *credits.CreditDTO `json:"credit,omitempty"`
	Warnings []string           `json:"-"`
}

type ClaimPage struct {
	Claims     []ClaimDTO `json:"claims"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func FromModel(m *models.Claim) ClaimDTO {
	return ClaimDTO{
		ID:                 m.ID,
		ContributorID:      m.ContributorID,
		Location:           m.Location,
		Polygon:            m.Polygon,
		AreaHectares:       m.AreaHectares,
		NDVIBefore:         m.NDVIBefore,
		NDVIAfter:          m.NDVIAfter,
		NDVIDelta:          m.NDVIDelta,
		AnalysisConfidence: m.AnalysisConfidence,
		BeforeImageRef:     m.BeforeImageRef,
		AfterImageRef:      m.AfterImageRef,
		Status:             m.Status,
		Credits:            m.Credits,
		VerifiedBy:         m.VerifiedBy,
		VerifiedAt:         m.VerifiedAt,
		VerifierNote:       m.VerifierNote,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func evidenceFromModel(m models.ClaimEvidence) EvidenceDTO {
	return EvidenceDTO{
		ID:         m.ID,
		Name:       m.Name,
		Kind:       m.Kind,
		CID:        m.CID,
		URL:        m.URL,
		UploadedBy: m.UploadedBy,
		CreatedAt:  m.CreatedAt,
	}
}
