package consensus

import (
	"fmt"
	"strings"
	"time"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// Report is a point-in-time summary of a consensus process.
type Report struct {
	ConsensusID        string                `json:"consensus_id"`
	ConversationID     string                `json:"conversation_id"`
	Status             model.ConsensusStatus `json:"status"`
	Decision           string                `json:"decision"`
	Rationale          string                `json:"rationale"`
	Metrics            ReportMetrics         `json:"metrics"`
	VoteDistribution   VoteDistribution      `json:"vote_distribution"`
	RoleAnalysis       RoleAnalysis          `json:"role_analysis"`
	ConflictResolution Resolution            `json:"conflict_resolution"`
	Timestamps         ReportTimestamps      `json:"timestamps"`
}

// ReportMetrics holds the scoring figures of a report.
type ReportMetrics struct {
	WeightedScore    float64 `json:"weighted_score"`
	Threshold        float64 `json:"threshold"`
	ConsensusReached bool    `json:"consensus_reached"`
	TotalVotes       int     `json:"total_votes"`
	Iterations       int     `json:"iterations"`
}

// VoteDistribution counts current votes by position.
type VoteDistribution struct {
	Agree              int `json:"agree"`
	Disagree           int `json:"disagree"`
	Abstain            int `json:"abstain"`
	NeedsClarification int `json:"needs_clarification"`
}

// RoleAnalysis compares who voted against who had to.
type RoleAnalysis struct {
	ParticipatingRoles     []string `json:"participating_roles"`
	RequiredRoles          []string `json:"required_roles"`
	MissingRequiredRoles   []string `json:"missing_required_roles"`
	HighWeightParticipants []string `json:"high_weight_participants"`
}

// ReportTimestamps carries the process start and optional completion time.
type ReportTimestamps struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerateReport aggregates the current state of c. Besides reading, it
// refreshes c.AchievedScore and c.Rationale; status is left untouched.
func (e *Engine) GenerateReport(c *model.ConsensusResult) Report {
	rationale := e.GenerateDecisionRationale(c)
	score := e.CalculateWeightedScore(c)

	r := Report{
		ConsensusID:    c.ID,
		ConversationID: c.ConversationID,
		Status:         c.Status,
		Decision:       c.Decision,
		Rationale:      rationale,
		Metrics: ReportMetrics{
			WeightedScore:    score,
			Threshold:        c.Threshold,
			ConsensusReached: e.IsReached(c),
			TotalVotes:       len(c.Votes),
			Iterations:       c.Iterations,
		},
		VoteDistribution: distribution(c),
		RoleAnalysis: RoleAnalysis{
			ParticipatingRoles:     append([]string{}, c.ParticipatingRoles...),
			RequiredRoles:          append([]string{}, c.RequiredRoles...),
			MissingRequiredRoles:   c.MissingRequiredRoles(),
			HighWeightParticipants: highWeightAgreers(c.Votes),
		},
		ConflictResolution: e.ResolveConflicts(c),
		Timestamps: ReportTimestamps{
			StartedAt:   c.StartedAt,
			CompletedAt: c.CompletedAt,
		},
	}
	e.logger.Debug("consensus: report generated", "consensus_id", c.ID, "score", score)
	return r
}

func distribution(c *model.ConsensusResult) VoteDistribution {
	return VoteDistribution{
		Agree:              c.CountPosition(model.PositionAgree),
		Disagree:           c.CountPosition(model.PositionDisagree),
		Abstain:            c.CountPosition(model.PositionAbstain),
		NeedsClarification: c.CountPosition(model.PositionNeedsClarification),
	}
}

func highWeightAgreers(votes []model.RoleVote) []string {
	roles := []string{}
	for _, v := range votes {
		if v.Position == model.PositionAgree && v.Weight > highWeightFloor {
			roles = append(roles, v.RoleName)
		}
	}
	return roles
}

func strongDisagreers(votes []model.RoleVote) []string {
	roles := []string{}
	for _, v := range votes {
		if v.Position == model.PositionDisagree && v.Confidence > strongDisagreeConfidence {
			roles = append(roles, v.RoleName)
		}
	}
	return roles
}

// GenerateDecisionRationale builds a deterministic text summary of c, stores
// it on c.Rationale and returns it. It also refreshes c.AchievedScore and the
// dissenting concerns.
func (e *Engine) GenerateDecisionRationale(c *model.ConsensusResult) string {
	score := e.CalculateWeightedScore(c)
	c.RefreshDissentingConcerns()
	d := distribution(c)

	var b strings.Builder
	fmt.Fprintf(&b, "Consensus Score: %.2f (threshold: %.2f)\n", score, c.Threshold)
	fmt.Fprintf(&b, "Vote Distribution: %d agree, %d disagree, %d abstain, %d needs clarification\n",
		d.Agree, d.Disagree, d.Abstain, d.NeedsClarification)
	fmt.Fprintf(&b, "Participating Roles: %d\n", len(c.ParticipatingRoles))

	if len(c.RequiredRoles) > 0 {
		missing := c.MissingRequiredRoles()
		fmt.Fprintf(&b, "Required Roles: %d/%d participated\n",
			len(c.RequiredRoles)-len(missing), len(c.RequiredRoles))
		if len(missing) > 0 {
			fmt.Fprintf(&b, "Missing Required Roles: %s\n", strings.Join(missing, ", "))
		}
	}
	if agreers := highWeightAgreers(c.Votes); len(agreers) > 0 {
		fmt.Fprintf(&b, "High-Weight Support: %s\n", strings.Join(agreers, ", "))
	}
	if dissenters := strongDisagreers(c.Votes); len(dissenters) > 0 {
		fmt.Fprintf(&b, "Strong Disagreement: %s\n", strings.Join(dissenters, ", "))
	}
	if len(c.DissentingConcerns) > 0 {
		concerns := c.DissentingConcerns
		if len(concerns) > maxRationaleConcerns {
			concerns = concerns[:maxRationaleConcerns]
		}
		b.WriteString("Key Concerns:\n")
		for _, concern := range concerns {
			fmt.Fprintf(&b, "- %s\n", concern)
		}
	}

	c.Rationale = strings.TrimRight(b.String(), "\n")
	return c.Rationale
}
