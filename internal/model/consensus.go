package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ConsensusStatus is the lifecycle state of a consensus process.
type ConsensusStatus string

const (
	ConsensusPending    ConsensusStatus = "pending"
	ConsensusInProgress ConsensusStatus = "in_progress"
	ConsensusReached    ConsensusStatus = "reached"
	ConsensusFailed     ConsensusStatus = "failed"
	ConsensusTimeout    ConsensusStatus = "timeout"
)

// Terminal reports whether no further evaluation can change the outcome.
func (s ConsensusStatus) Terminal() bool {
	return s == ConsensusReached || s == ConsensusFailed || s == ConsensusTimeout
}

// ConsensusResult is a decision in progress.
//
// Votes holds at most one vote per role; ParticipatingRoles is always the set
// of distinct RoleName values in Votes, in first-vote order. CompletedAt is
// non-nil exactly when Status is terminal.
type ConsensusResult struct {
	ID                 string          `json:"id"`
	ConversationID     string          `json:"conversation_id"`
	Status             ConsensusStatus `json:"status"`
	Threshold          float64         `json:"threshold"`
	AchievedScore      float64         `json:"achieved_score"`
	Votes              []RoleVote      `json:"votes"`
	Decision           string          `json:"decision"`
	Rationale          string          `json:"rationale"`
	DissentingConcerns []string        `json:"dissenting_concerns"`
	RequiredRoles      []string        `json:"required_roles"`
	ParticipatingRoles []string        `json:"participating_roles"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Iterations         int             `json:"iterations"`
	MaxIterations      int             `json:"max_iterations"`
}

// Now returns the current UTC time truncated to microseconds, the resolution
// Postgres TIMESTAMPTZ keeps. Records stamped with it survive every store
// unchanged.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NewConsensusID returns a fresh consensus identifier.
func NewConsensusID() string { return "consensus_" + uuid.NewString() }

// PutVote records v, replacing any earlier vote from the same role. The
// replacement is appended at the end of Votes; the role keeps its original
// place in ParticipatingRoles.
func (c *ConsensusResult) PutVote(v RoleVote) {
	c.Votes = slices.DeleteFunc(c.Votes, func(existing RoleVote) bool {
		return existing.RoleName == v.RoleName
	})
	c.Votes = append(c.Votes, v)
	if !slices.Contains(c.ParticipatingRoles, v.RoleName) {
		c.ParticipatingRoles = append(c.ParticipatingRoles, v.RoleName)
	}
	c.RefreshDissentingConcerns()
}

// VoteFor returns the current vote of role, if any.
func (c *ConsensusResult) VoteFor(role string) (RoleVote, bool) {
	for _, v := range c.Votes {
		if v.RoleName == role {
			return v, true
		}
	}
	return RoleVote{}, false
}

// HasParticipated reports whether role has cast a vote.
func (c *ConsensusResult) HasParticipated(role string) bool {
	return slices.Contains(c.ParticipatingRoles, role)
}

// MissingRequiredRoles returns required roles that have not voted, in
// RequiredRoles order.
func (c *ConsensusResult) MissingRequiredRoles() []string {
	missing := []string{}
	for _, r := range c.RequiredRoles {
		if !c.HasParticipated(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// CountPosition returns how many current votes hold position p.
func (c *ConsensusResult) CountPosition(p Position) int {
	n := 0
	for _, v := range c.Votes {
		if v.Position == p {
			n++
		}
	}
	return n
}

// RefreshDissentingConcerns recomputes DissentingConcerns from the concerns of
// DISAGREE votes, in vote order.
func (c *ConsensusResult) RefreshDissentingConcerns() {
	concerns := []string{}
	for _, v := range c.Votes {
		if v.Position == PositionDisagree {
			concerns = append(concerns, v.Concerns...)
		}
	}
	c.DissentingConcerns = concerns
}

// SetStatus moves the result to status s and maintains the CompletedAt
// invariant: entering a terminal state stamps CompletedAt with now, staying in
// the same terminal state keeps the original stamp, and non-terminal states
// clear it.
func (c *ConsensusResult) SetStatus(s ConsensusStatus, now time.Time) {
	prev := c.Status
	c.Status = s
	if !s.Terminal() {
		c.CompletedAt = nil
		return
	}
	if c.CompletedAt == nil || prev != s {
		t := now.UTC()
		c.CompletedAt = &t
	}
}
