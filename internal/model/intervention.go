package model

import (
	"time"

	"github.com/google/uuid"
)

// TriggerReason explains why a consensus process was escalated to a human.
// The set is open; these are the reasons the engine itself produces plus the
// explicit manual request.
type TriggerReason string

const (
	TriggerTimeout               TriggerReason = "timeout"
	TriggerFailedConsensus       TriggerReason = "failed_consensus"
	TriggerHighExpertiseConflict TriggerReason = "high_expertise_conflict"
	TriggerStalledProgress       TriggerReason = "stalled_progress"
	TriggerManualRequest         TriggerReason = "manual_request"
)

// InterventionType is the kind of human action requested.
type InterventionType string

const (
	InterventionDecision   InterventionType = "decision"
	InterventionOverride   InterventionType = "override"
	InterventionEscalation InterventionType = "escalation"
)

// Valid reports whether t is a known intervention type.
func (t InterventionType) Valid() bool {
	switch t {
	case InterventionDecision, InterventionOverride, InterventionEscalation:
		return true
	}
	return false
}

// InterventionStatus is the lifecycle state of a ManualIntervention.
type InterventionStatus string

const (
	InterventionPending    InterventionStatus = "pending"
	InterventionInProgress InterventionStatus = "in_progress"
	InterventionResolved   InterventionStatus = "resolved"
	InterventionCancelled  InterventionStatus = "cancelled"
)

// Valid reports whether s is a known intervention status.
func (s InterventionStatus) Valid() bool {
	switch s {
	case InterventionPending, InterventionInProgress, InterventionResolved, InterventionCancelled:
		return true
	}
	return false
}

// Audit actions and the system actor.
const (
	AuditInterventionTriggered = "intervention_triggered"
	AuditInterventionResolved  = "intervention_resolved"
	AuditInterventionCancelled = "intervention_cancelled"

	ActorSystem = "system"
)

// AuditEntry is one append-only record of an action taken on an intervention.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Actor     string    `json:"actor"`
}

// ManualIntervention is the permanent record of why and how a stalled
// decision was handed to a human. It is never deleted; the first audit entry
// is always intervention_triggered by the system.
type ManualIntervention struct {
	ID               string             `json:"id"`
	ConversationID   string             `json:"conversation_id"`
	ConsensusID      string             `json:"consensus_id"`
	TriggerReason    TriggerReason      `json:"trigger_reason"`
	InterventionType InterventionType   `json:"intervention_type"`
	OriginalDecision string             `json:"original_decision"`
	HumanDecision    string             `json:"human_decision"`
	HumanRationale   string             `json:"human_rationale"`
	IntervenerID     string             `json:"intervener_id"`
	IntervenerRole   string             `json:"intervener_role"`
	Status           InterventionStatus `json:"status"`
	TriggeredAt      time.Time          `json:"triggered_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
	AffectedRoles    []string           `json:"affected_roles"`
	OverrideData     map[string]any     `json:"override_data"`
	AuditTrail       []AuditEntry       `json:"audit_trail"`
	Metadata         map[string]any     `json:"metadata"`
}

// NewInterventionID returns a fresh intervention identifier.
func NewInterventionID() string { return "intervention_" + uuid.NewString() }

// AddAuditEntry appends an entry to the audit trail.
func (m *ManualIntervention) AddAuditEntry(at time.Time, action, details, actor string) {
	m.AuditTrail = append(m.AuditTrail, AuditEntry{
		Timestamp: at.UTC(),
		Action:    action,
		Details:   details,
		Actor:     actor,
	})
}

// Clone returns a deep copy so callers can mutate without aliasing a stored
// record's slices and maps.
func (m ManualIntervention) Clone() ManualIntervention {
	out := m
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		out.ResolvedAt = &t
	}
	if m.AffectedRoles != nil {
		out.AffectedRoles = append([]string{}, m.AffectedRoles...)
	}
	if m.AuditTrail != nil {
		out.AuditTrail = append([]AuditEntry{}, m.AuditTrail...)
	}
	out.OverrideData = cloneMap(m.OverrideData)
	out.Metadata = cloneMap(m.Metadata)
	return out
}

// Clone returns a deep copy of the consensus result.
func (c ConsensusResult) Clone() ConsensusResult {
	out := c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.Votes != nil {
		out.Votes = make([]RoleVote, len(c.Votes))
		for i, v := range c.Votes {
			out.Votes[i] = v.clone()
		}
	}
	out.DissentingConcerns = cloneStrings(c.DissentingConcerns)
	out.RequiredRoles = cloneStrings(c.RequiredRoles)
	out.ParticipatingRoles = cloneStrings(c.ParticipatingRoles)
	return out
}

func (v RoleVote) clone() RoleVote {
	out := v
	out.Concerns = cloneStrings(v.Concerns)
	out.Suggestions = cloneStrings(v.Suggestions)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

// cloneMap copies the top level of m. Nested values are shared, which is
// fine for the JSON-shaped payloads stored here.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
