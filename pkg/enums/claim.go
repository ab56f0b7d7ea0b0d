package enums

import "fmt"

// ClaimStatus tracks a claim through review. Only pending claims transition.
type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusVerified ClaimStatus = "verified"
	ClaimStatusRejected ClaimStatus = "rejected"
)

var validClaimStatuses = []ClaimStatus{
	ClaimStatusPending,
	ClaimStatusVerified,
	ClaimStatusRejected,
}

func (s ClaimStatus) String() string {
	return string(s)
}

func (s ClaimStatus) IsValid() bool {
	for _, candidate := range validClaimStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the claim can no longer be reviewed.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusVerified || s == ClaimStatusRejected
}

func ParseClaimStatus(value string) (ClaimStatus, error) {
	for _, candidate := range validClaimStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid claim status %q", value)
}

// AnalysisConfidence describes how the vegetation figures on a claim were obtained.
type AnalysisConfidence string

const (
	// AnalysisNormal means the figures came from a successful engine run
	// or were supplied by the contributor.
	AnalysisNormal AnalysisConfidence = "normal"
	// AnalysisDegraded means the engine failed or returned mock data.
	AnalysisDegraded AnalysisConfidence = "degraded"
	// AnalysisNone means no analysis was attempted.
	AnalysisNone AnalysisConfidence = "none"
)

func (c AnalysisConfidence) IsValid() bool {
	switch c {
	case AnalysisNormal, AnalysisDegraded, AnalysisNone:
		return true
	}
	return false
}

// VerifierAction is the decision recorded in the verifier log.
type VerifierAction string

const (
	VerifierActionApprove VerifierAction = "approve"
	VerifierActionReject  VerifierAction = "reject"
)

func (a VerifierAction) IsValid() bool {
	return a == VerifierActionApprove || a == VerifierActionReject
}
