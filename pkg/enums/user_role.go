package enums

import (
	"fmt"
	"strings"
)

// UserRole is the caller role resolved by the identity provider.
type UserRole string

const (
	RoleContributor UserRole = "contributor"
	RoleCompany     UserRole = "company"
	RoleVerifier    UserRole = "verifier"
)

var validUserRoles = []UserRole{
	RoleContributor,
	RoleCompany,
	RoleVerifier,
}

func (r UserRole) String() string {
	return string(r)
}

func (r UserRole) IsValid() bool {
	for _, candidate := range validUserRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseUserRole is case-insensitive.
func ParseUserRole(value string) (UserRole, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validUserRoles {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid user role %q", value)
}
