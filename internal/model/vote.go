package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Position is a role's stance on a decision.
type Position string

const (
	PositionAgree              Position = "agree"
	PositionDisagree           Position = "disagree"
	PositionAbstain            Position = "abstain"
	PositionNeedsClarification Position = "needs_clarification"
)

// Positions lists every valid position in reporting order.
var Positions = []Position{
	PositionAgree,
	PositionDisagree,
	PositionAbstain,
	PositionNeedsClarification,
}

// ParsePosition converts a wire value into a Position. Matching is
// case-insensitive and tolerates surrounding whitespace and hyphens.
func ParsePosition(s string) (Position, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, p := range Positions {
		if string(p) == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid voting position %q", s)
}

// Valid reports whether p is one of the defined positions.
func (p Position) Valid() bool {
	for _, v := range Positions {
		if v == p {
			return true
		}
	}
	return false
}

// RoleVote is one role's structured position on a decision.
//
// A vote is immutable once stored, except that auto-resolution may rewrite
// Position and append an annotation to Rationale.
type RoleVote struct {
	ID            string    `json:"id"`
	RoleName      string    `json:"role_name"`
	ParticipantID string    `json:"participant_id"`
	Position      Position  `json:"position"`
	Confidence    float64   `json:"confidence"`
	Weight        float64   `json:"weight"`
	Rationale     string    `json:"rationale"`
	Concerns      []string  `json:"concerns"`
	Suggestions   []string  `json:"suggestions"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewVoteID returns a fresh vote identifier.
func NewVoteID() string { return "vote_" + uuid.NewString() }

// ValidConfidence reports whether c lies in [0.0, 1.0].
func ValidConfidence(c float64) bool {
	return c >= 0.0 && c <= 1.0
}

// HasConcerns reports whether the vote lists at least one concern.
func (v RoleVote) HasConcerns() bool { return len(v.Concerns) > 0 }

// HasSuggestions reports whether the vote lists at least one suggestion.
func (v RoleVote) HasSuggestions() bool { return len(v.Suggestions) > 0 }
