package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

// Claim is a contributor's assertion of vegetation improvement on a parcel.
type Claim struct {
	ID                 uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	ContributorID      uuid.UUID                `gorm:"column:contributor_id;type:uuid;not null;index:claims_contributor_created_idx,priority:1"`
	Location           string                   `gorm:"column:location;not null"`
	Polygon            json.RawMessage          `gorm:"column:polygon;type:jsonb;not null"`
	AreaHectares       *float64                 `gorm:"column:area_hectares"`
	NDVIBefore         json.RawMessage          `gorm:"column:ndvi_before;type:jsonb"`
	NDVIAfter          json.RawMessage          `gorm:"column:ndvi_after;type:jsonb"`
	NDVIDelta          *float64                 `gorm:"column:ndvi_delta"`
	AnalysisConfidence enums.AnalysisConfidence `gorm:"column:analysis_confidence;type:text;not null;default:none"`
	BeforeImageRef     *string                  `gorm:"column:before_image_ref"`
	AfterImageRef      *string                  `gorm:"column:after_image_ref"`
	Status             enums.ClaimStatus        `gorm:"column:status;type:text;not null;default:pending;index"`
	Credits            *int                     `gorm:"column:credits"`
	VerifiedBy         *uuid.UUID               `gorm:"column:verified_by;type:uuid"`
	VerifiedAt         *time.Time               `gorm:"column:verified_at"`
	VerifierNote       *string                  `gorm:"column:verifier_note"`
	CreatedAt          time.Time                `gorm:"column:created_at;autoCreateTime;index:claims_contributor_created_idx,priority:2"`
	UpdatedAt          time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// ClaimEvidence is a supporting file reference appended to a pending claim.
type ClaimEvidence struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	ClaimID    uuid.UUID `gorm:"column:claim_id;type:uuid;not null;index"`
	Name       string    `gorm:"column:name;not null"`
	Kind       string    `gorm:"column:kind;not null"`
	CID        *string   `gorm:"column:cid"`
	URL        *string   `gorm:"column:url"`
	UploadedBy uuid.UUID `gorm:"column:uploaded_by;type:uuid;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ClaimEvidence) TableName() string { return "claim_evidence" }
