package model

import (
	"fmt"
	"strings"
)

// AccessLevel is the RBAC level granted to an API caller. Interveners are the
// humans allowed to resolve escalations; voters are agents acting as vote
// sources.
type AccessLevel string

const (
	AccessAdmin      AccessLevel = "admin"
	AccessIntervener AccessLevel = "intervener"
	AccessVoter      AccessLevel = "voter"
	AccessReader     AccessLevel = "reader"
)

// Operator is a configured API identity. Role is the organisational role the
// operator acts under when resolving interventions (for example
// "project-manager"); it ends up in the intervention audit trail.
type Operator struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"`
	Access     AccessLevel `json:"access"`
	APIKeyHash string      `json:"-"`
}

// AccessRank returns the numeric rank of an access level (higher = more privileges).
// Only relative ordering matters.
func AccessRank(a AccessLevel) int {
	switch a {
	case AccessAdmin:
		return 4
	case AccessIntervener:
		return 3
	case AccessVoter:
		return 2
	case AccessReader:
		return 1
	default:
		return 0
	}
}

// AccessAtLeast returns true if a has at least the privileges of min.
func AccessAtLeast(a, min AccessLevel) bool {
	return AccessRank(a) >= AccessRank(min)
}

// ParseAccessLevel converts a configuration value into an AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	a := AccessLevel(strings.ToLower(strings.TrimSpace(s)))
	if AccessRank(a) == 0 {
		return "", fmt.Errorf("unknown access level %q", s)
	}
	return a, nil
}

// ValidateOperatorID checks that an operator ID conforms to the allowed format.
// IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateOperatorID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("operator_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("operator_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("operator_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
