package enums

import "fmt"

// MintStatus tracks the on-chain mint attached to an issued credit.
type MintStatus string

const (
	MintStatusPending MintStatus = "pending"
	MintStatusMinted  MintStatus = "minted"
	MintStatusFailed  MintStatus = "failed"
	// MintStatusSkipped is used when the owner has no payout address.
	MintStatusSkipped MintStatus = "skipped"
)

var validMintStatuses = []MintStatus{
	MintStatusPending,
	MintStatusMinted,
	MintStatusFailed,
	MintStatusSkipped,
}

func (s MintStatus) IsValid() bool {
	for _, candidate := range validMintStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseMintStatus(value string) (MintStatus, error) {
	for _, candidate := range validMintStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid mint status %q", value)
}
