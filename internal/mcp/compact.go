package mcp

import (
	"fmt"
	"math"
	"strings"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

const (
	maxCompactRationale = 200
	maxCompactTopic     = 300
)

// compactConsensus returns a minimal representation of a consensus process for
// MCP responses. Vote rationales are truncated and participant ids dropped;
// agents act on positions, concerns, and the next-step note.
func compactConsensus(c model.ConsensusResult) map[string]any {
	votes := make([]map[string]any, 0, len(c.Votes))
	for _, v := range c.Votes {
		votes = append(votes, compactVote(v))
	}
	m := map[string]any{
		"id":                  c.ID,
		"conversation_id":     c.ConversationID,
		"decision_topic":      truncate(c.Decision, maxCompactTopic),
		"status":              c.Status,
		"achieved_score":      round3(c.AchievedScore),
		"threshold":           c.Threshold,
		"iterations":          c.Iterations,
		"max_iterations":      c.MaxIterations,
		"votes":               votes,
		"participating_roles": c.ParticipatingRoles,
	}
	if missing := c.MissingRequiredRoles(); len(missing) > 0 {
		m["missing_required_roles"] = missing
	}
	if len(c.DissentingConcerns) > 0 {
		m["dissenting_concerns"] = c.DissentingConcerns
	}
	if note := nextStepNote(c); note != "" {
		m["next_step"] = note
	}
	return m
}

func compactVote(v model.RoleVote) map[string]any {
	m := map[string]any{
		"role_name":  v.RoleName,
		"position":   v.Position,
		"confidence": v.Confidence,
		"weight":     v.Weight,
	}
	if v.Rationale != "" {
		m["rationale"] = truncate(v.Rationale, maxCompactRationale)
	}
	if v.HasConcerns() {
		m["concerns"] = v.Concerns
	}
	if v.HasSuggestions() {
		m["suggestions"] = v.Suggestions
	}
	return m
}

// nextStepNote tells the caller what usually happens next for a process in
// c's state. Rules are evaluated in order; first match wins.
func nextStepNote(c model.ConsensusResult) string {
	switch c.Status {
	case model.ConsensusReached:
		return "Consensus reached. No further votes are accepted."
	case model.ConsensusFailed:
		return "Consensus failed. Escalate with consensus_escalate for a human decision."
	case model.ConsensusTimeout:
		return "Iteration limit reached. Escalate with consensus_escalate for a human decision."
	}
	if missing := c.MissingRequiredRoles(); len(missing) > 0 {
		return fmt.Sprintf("Waiting on required role(s): %s.", strings.Join(missing, ", "))
	}
	if c.CountPosition(model.PositionNeedsClarification) > 0 {
		return "Some roles asked for clarification. Address their concerns and revote."
	}
	if len(c.Votes) == 0 {
		return "No votes yet."
	}
	return ""
}

// compactIntervention returns a minimal representation of an intervention.
// The audit trail is reduced to its length and the last action.
func compactIntervention(m model.ManualIntervention) map[string]any {
	out := map[string]any{
		"id":                m.ID,
		"conversation_id":   m.ConversationID,
		"consensus_id":      m.ConsensusID,
		"trigger_reason":    m.TriggerReason,
		"intervention_type": m.InterventionType,
		"status":            m.Status,
		"original_decision": truncate(m.OriginalDecision, maxCompactTopic),
		"affected_roles":    m.AffectedRoles,
		"triggered_at":      m.TriggeredAt,
		"audit_entries":     len(m.AuditTrail),
	}
	if m.HumanDecision != "" {
		out["human_decision"] = truncate(m.HumanDecision, maxCompactTopic)
	}
	if m.IntervenerID != "" {
		out["intervener_id"] = m.IntervenerID
		out["intervener_role"] = m.IntervenerRole
	}
	if m.ResolvedAt != nil {
		out["resolved_at"] = m.ResolvedAt
	}
	if n := len(m.AuditTrail); n > 0 {
		out["last_action"] = m.AuditTrail[n-1].Action
	}
	return out
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
