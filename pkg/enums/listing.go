package enums

import "fmt"

// ListingStatus tracks a marketplace listing. Only active listings accept purchases.
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusSoldOut   ListingStatus = "sold_out"
	ListingStatusCancelled ListingStatus = "cancelled"
)

var validListingStatuses = []ListingStatus{
	ListingStatusActive,
	ListingStatusSoldOut,
	ListingStatusCancelled,
}

func (s ListingStatus) IsValid() bool {
	for _, candidate := range validListingStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseListingStatus(value string) (ListingStatus, error) {
	for _, candidate := range validListingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid listing status %q", value)
}
